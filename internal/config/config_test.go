package config

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	var (
		tempDir    string
		configFile string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test")
		Expect(err).NotTo(HaveOccurred())
		configFile = filepath.Join(tempDir, "config.yaml")
	})

	AfterEach(func() {
		os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("when the config file exists with valid content", func() {
			BeforeEach(func() {
				valid := `
server:
  webhook_port: "9000"

scheduler:
  code_stage_timeout: 45s
  max_retry: 5

sandbox:
  memory_mb: 1024

tasks:
  max_operations_per_task: 20

logging:
  level: "debug"
  format: "console"
`
				Expect(os.WriteFile(configFile, []byte(valid), 0644)).To(Succeed())
			})

			It("loads overridden values and keeps untouched defaults", func() {
				cfg, err := Load(configFile)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Server.WebhookPort).To(Equal("9000"))
				Expect(cfg.Scheduler.CodeStageTimeout).To(Equal(45 * time.Second))
				Expect(cfg.Scheduler.MaxRetry).To(Equal(5))
				Expect(cfg.Sandbox.MemoryMB).To(Equal(int64(1024)))
				Expect(cfg.Tasks.MaxOperationsPerTask).To(Equal(20))
				Expect(cfg.Logging.Level).To(Equal("debug"))

				// untouched defaults survive the overlay
				Expect(cfg.Scheduler.SaaSStageTimeout).To(Equal(300 * time.Second))
				Expect(cfg.Credentials.RefreshBuffer).To(Equal(300 * time.Second))
				Expect(cfg.Tasks.RuleThreshold).To(Equal(3))
			})
		})

		Context("when the config file does not exist", func() {
			It("returns an error", func() {
				_, err := Load(filepath.Join(tempDir, "missing.yaml"))
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to read config file"))
			})
		})

		Context("when the config file has invalid YAML", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(configFile, []byte("server:\n  webhook_port: [\n"), 0644)).To(Succeed())
			})

			It("returns an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to parse config file"))
			})
		})

		Context("when validation fails", func() {
			BeforeEach(func() {
				Expect(os.WriteFile(configFile, []byte("tasks:\n  max_operations_per_task: 0\n"), 0644)).To(Succeed())
			})

			It("returns an error", func() {
				_, err := Load(configFile)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("max_operations_per_task"))
			})
		})
	})

	Describe("DefaultConfig", func() {
		It("matches the constants named in the spec", func() {
			cfg := DefaultConfig()
			Expect(cfg.Scheduler.MaxRetry).To(Equal(3))
			Expect(cfg.Tasks.MaxOperationsPerTask).To(Equal(10))
			Expect(cfg.Credentials.RefreshInterval).To(Equal(900 * time.Second))
			Expect(cfg.Credentials.RefreshBuffer).To(Equal(300 * time.Second))
			Expect(cfg.Scheduler.CodeStageTimeout).To(Equal(180 * time.Second))
			Expect(cfg.Scheduler.SaaSRunTimeout).To(Equal(600 * time.Second))
		})
	})

	Describe("LoadFromEnv", func() {
		It("overlays database settings from the environment", func() {
			os.Setenv("DB_HOST", "db.internal")
			os.Setenv("DB_PORT", "6543")
			defer os.Unsetenv("DB_HOST")
			defer os.Unsetenv("DB_PORT")

			cfg := DefaultConfig()
			cfg.LoadFromEnv()

			Expect(cfg.Database.Host).To(Equal("db.internal"))
			Expect(cfg.Database.Port).To(Equal(6543))
		})
	})
})
