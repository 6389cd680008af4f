package env

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap/zapcore"
)

var _ = Describe("Config", func() {
	ctx := context.Background()

	It("falls back to the defaults", func() {
		config, err := loadConfig(ctx, envconfig.MapLookuper(map[string]string{}))
		Expect(err).To(Succeed())

		Expect(config.URL).To(Equal("redis://127.0.0.1:6379"))
		Expect(config.ConnectTimeout).To(Equal(5 * time.Second))
		Expect(config.CommandTimeout).To(BeZero())
		Expect(config.ReconnectBaseDelay).To(Equal(100 * time.Millisecond))
		Expect(config.ReconnectMaxDelay).To(Equal(10 * time.Second))
		Expect(config.LogLevel).To(Equal("info"))
		Expect(config.DebugHTTP).To(BeFalse())
	})

	It("reads the environment", func() {
		config, err := loadConfig(ctx, envconfig.MapLookuper(map[string]string{
			"KVLINK_URL":             "rediss://:secret@cache.internal:6390",
			"KVLINK_COMMAND_TIMEOUT": "250ms",
			"KVLINK_DEBUG_HTTP":      "true",
		}))
		Expect(err).To(Succeed())

		opts, err := config.ClientOptions()
		Expect(err).To(Succeed())

		Expect(opts.Addr).To(Equal("cache.internal:6390"))
		Expect(opts.TLS).To(BeTrue())
		Expect(opts.Password).To(Equal("secret"))
		Expect(opts.CommandTimeout).To(Equal(250 * time.Millisecond))
		Expect(opts.ConnectTimeout).To(Equal(5 * time.Second))
		Expect(config.DebugHTTP).To(BeTrue())
	})

	It("rejects a malformed duration", func() {
		_, err := loadConfig(ctx, envconfig.MapLookuper(map[string]string{
			"KVLINK_CONNECT_TIMEOUT": "soon",
		}))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a bad URL", func() {
		config := &Config{URL: "http://nope"}

		_, err := config.ClientOptions()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("MakeLogger", func() {
	It("builds a logger at the requested level", func() {
		log, err := MakeLogger("warn")
		Expect(err).To(Succeed())
		Expect(log.Core().Enabled(zapcore.InfoLevel)).To(BeFalse())
		Expect(log.Core().Enabled(zapcore.WarnLevel)).To(BeTrue())
	})

	It("defaults to info", func() {
		log, err := MakeLogger("")
		Expect(err).To(Succeed())
		Expect(log.Core().Enabled(zapcore.InfoLevel)).To(BeTrue())
		Expect(log.Core().Enabled(zapcore.DebugLevel)).To(BeFalse())
	})

	It("rejects unknown levels", func() {
		_, err := MakeLogger("loud")
		Expect(err).To(HaveOccurred())
	})
})
