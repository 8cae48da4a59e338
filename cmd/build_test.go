package main

import (
	"testing"

	"github.com/mazdakn/transmitm/pkg/config"
	"github.com/mazdakn/transmitm/pkg/proxy"
	"github.com/mazdakn/transmitm/pkg/tap"
	. "github.com/onsi/gomega"
)

func TestBuildProxies(t *testing.T) {
	RegisterTestingT(t)
	conf, err := config.Parse([]byte(`
proxies:
  - protocol: tcp
    upstreamIP: 127.0.0.1
    upstreamPort: 8080
    bindPort: 9000
    socks5: 127.0.0.1:1080
    taps:
      - {type: replace, match: World, replace: Galaxy}
      - {type: forward}
  - protocol: udp
    upstreamIP: 127.0.0.1
    upstreamPort: 53
    bindInterface: lo
    taps:
      - {type: decode, layer: dns}
      - {type: dump}
`))
	Expect(err).NotTo(HaveOccurred())

	proxies, err := buildProxies(conf)
	Expect(err).NotTo(HaveOccurred())
	Expect(proxies).To(HaveLen(2))

	Expect(proxies[0]).To(BeAssignableToTypeOf(&proxy.TCPProxy{}))
	Expect(proxies[0].Key()).To(Equal(proxy.Key{
		UpstreamIP:   "127.0.0.1",
		UpstreamPort: 8080,
		BindPort:     9000,
		Transport:    proxy.TCP,
	}))
	Expect(proxies[1]).To(BeAssignableToTypeOf(&proxy.UDPProxy{}))
	Expect(proxies[1].Key().Comparable()).To(BeFalse())
}

func TestBuildTaps(t *testing.T) {
	RegisterTestingT(t)
	taps, err := buildTaps([]config.Tap{
		{Type: "replace", Match: "a", Replace: "b"},
		{Type: "dump", Hex: true},
		{Type: "decode", Layer: "ntp"},
		{Type: "forward"},
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(taps).To(HaveLen(4))
	Expect(taps[1]).To(Equal(&tap.Dump{Hex: true}))
	Expect(taps[3]).To(Equal(tap.Forward{}))

	_, err = buildTaps([]config.Tap{{Type: "decode", Layer: "smtp"}})
	Expect(err).To(HaveOccurred())
}
