package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Load", func() {
	It("returns seeded defaults when no path is given", func() {
		cfg, err := Load("")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Workers.Count).To(Equal(4))
		Expect(cfg.Workers.LeaseTTL).To(Equal(30 * time.Second))
		Expect(cfg.RBAC.CacheTTL).To(Equal(60 * time.Second))
		Expect(cfg.Dispatcher.ImmediateThreshold).To(Equal(10 * time.Second))
	})

	It("tolerates a missing file path", func() {
		cfg, err := Load(filepath.Join(GinkgoT().TempDir(), "missing.yaml"))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Workers.Count).To(Equal(4))
	})

	It("parses YAML fields", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "engine.yaml")
		Expect(os.WriteFile(path, []byte(`
store:
  dsn: "postgres://user@localhost/engine"
workers:
  count: 8
  lease_ttl: 45s
rbac:
  cache_ttl: 90s
  redis_addr: "localhost:6379"
`), 0o600)).To(Succeed())

		cfg, err := Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Store.DSN).To(Equal("postgres://user@localhost/engine"))
		Expect(cfg.Workers.Count).To(Equal(8))
		Expect(cfg.Workers.LeaseTTL).To(Equal(45 * time.Second))
		Expect(cfg.RBAC.CacheTTL).To(Equal(90 * time.Second))
		Expect(cfg.RBAC.RedisAddr).To(Equal("localhost:6379"))
	})

	It("lets environment variables override the YAML file", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "engine.yaml")
		Expect(os.WriteFile(path, []byte("workers:\n  count: 8\n"), 0o600)).To(Succeed())

		GinkgoT().Setenv("ENGINE_WORKERS", "16")
		GinkgoT().Setenv("ENGINE_STORE_DSN", "postgres://override/db")
		GinkgoT().Setenv("ENGINE_LOG_LEVEL", "debug")

		cfg, err := Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Workers.Count).To(Equal(16))
		Expect(cfg.Store.DSN).To(Equal("postgres://override/db"))
		Expect(cfg.Logging.Level).To(Equal("debug"))
	})

	It("ignores a malformed ENGINE_WORKERS value", func() {
		GinkgoT().Setenv("ENGINE_WORKERS", "not-a-number")
		cfg, err := Load("")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Workers.Count).To(Equal(4))
	})
})

var _ = Describe("Config.Matrix", func() {
	It("falls back to the seeded matrix with no overrides", func() {
		cfg := Default()
		m := cfg.Matrix()
		p, err := m.Lookup("FAST", "READ")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.MaxAttempts).To(BeNumerically(">", 0))
	})

	It("overrides only the rows present in the YAML", func() {
		cfg := Default()
		cfg.TimeoutMatrix = []TimeoutRow{
			{SLA: "FAST", Action: "READ", StepTimeout: 2 * time.Second, ExecTimeout: 5 * time.Second, MaxAttempts: 1},
		}
		m := cfg.Matrix()

		p, err := m.Lookup("FAST", "READ")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.StepTimeout).To(Equal(2 * time.Second))
		Expect(p.MaxAttempts).To(Equal(1))

		other, err := m.Lookup("LONG", "DEPLOY")
		Expect(err).NotTo(HaveOccurred())
		Expect(other.StepTimeout).To(BeNumerically(">", 0))
	})
})

var _ = Describe("WatchFile", func() {
	It("hot-reloads worker count and timeout matrix on write", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "engine.yaml")
		Expect(os.WriteFile(path, []byte("workers:\n  count: 4\n"), 0o600)).To(Succeed())

		cfg, err := Load(path)
		Expect(err).NotTo(HaveOccurred())

		w, err := WatchFile(path, cfg)
		Expect(err).NotTo(HaveOccurred())
		defer w.Close()

		Expect(os.WriteFile(path, []byte("workers:\n  count: 9\n"), 0o600)).To(Succeed())

		Eventually(func() int {
			return w.Current().Workers.Count
		}, "2s", "20ms").Should(Equal(9))
	})

	It("is a no-op watcher when path is empty", func() {
		cfg := Default()
		w, err := WatchFile("", cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Current().Workers.Count).To(Equal(cfg.Workers.Count))
		Expect(w.Close()).To(Succeed())
	})
})
