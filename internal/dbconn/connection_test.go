package dbconn

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Database Configuration", func() {
	Describe("DefaultConfig", func() {
		It("returns the documented defaults", func() {
			cfg := DefaultConfig()

			Expect(cfg.Host).To(Equal("localhost"))
			Expect(cfg.Port).To(Equal(5432))
			Expect(cfg.Database).To(Equal("orchestrator"))
			Expect(cfg.SSLMode).To(Equal("disable"))
			Expect(cfg.MaxOpenConns).To(Equal(25))
			Expect(cfg.MaxIdleConns).To(Equal(5))
			Expect(cfg.ConnMaxLifetime).To(Equal(5 * time.Minute))
			Expect(cfg.ConnMaxIdleTime).To(Equal(5 * time.Minute))
		})
	})

	Describe("LoadFromEnv", func() {
		var originalEnv map[string]string

		BeforeEach(func() {
			originalEnv = map[string]string{}
			for _, k := range []string{"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSL_MODE"} {
				originalEnv[k] = os.Getenv(k)
			}
		})

		AfterEach(func() {
			for k, v := range originalEnv {
				if v == "" {
					os.Unsetenv(k)
				} else {
					os.Setenv(k, v)
				}
			}
		})

		It("overlays every DB_* variable when set", func() {
			os.Setenv("DB_HOST", "testhost")
			os.Setenv("DB_PORT", "6543")
			os.Setenv("DB_USER", "tester")
			os.Setenv("DB_PASSWORD", "secret")
			os.Setenv("DB_NAME", "testdb")
			os.Setenv("DB_SSL_MODE", "require")

			cfg := DefaultConfig().LoadFromEnv()

			Expect(cfg.Host).To(Equal("testhost"))
			Expect(cfg.Port).To(Equal(6543))
			Expect(cfg.User).To(Equal("tester"))
			Expect(cfg.Password).To(Equal("secret"))
			Expect(cfg.Database).To(Equal("testdb"))
			Expect(cfg.SSLMode).To(Equal("require"))
		})

		It("leaves defaults untouched when nothing is set", func() {
			for _, k := range []string{"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSL_MODE"} {
				os.Unsetenv(k)
			}
			cfg := DefaultConfig().LoadFromEnv()
			Expect(cfg).To(Equal(DefaultConfig()))
		})
	})

	Describe("DSN", func() {
		It("renders a libpq-style connection string", func() {
			cfg := DefaultConfig()
			Expect(cfg.DSN()).To(ContainSubstring("host=localhost"))
			Expect(cfg.DSN()).To(ContainSubstring("dbname=orchestrator"))
		})
	})
})
