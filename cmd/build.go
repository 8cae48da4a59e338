package main

import (
	"fmt"
	"strings"

	"github.com/mazdakn/transmitm/pkg/config"
	"github.com/mazdakn/transmitm/pkg/netif"
	"github.com/mazdakn/transmitm/pkg/proxy"
	"github.com/mazdakn/transmitm/pkg/tap"
	"github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"
)

func buildProxies(conf *config.Config) ([]proxy.Proxy, error) {
	proxies := make([]proxy.Proxy, 0, len(conf.Proxies))
	for i, pc := range conf.Proxies {
		p, err := buildProxy(pc)
		if err != nil {
			return nil, fmt.Errorf("proxy %d: %w", i, err)
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

func buildProxy(pc config.Proxy) (proxy.Proxy, error) {
	iface, err := netif.Resolve(pc.BindInterface, strings.Contains(pc.UpstreamIP, ":"))
	if err != nil {
		return nil, err
	}
	taps, err := buildTaps(pc.Taps)
	if err != nil {
		return nil, err
	}
	opts := []proxy.Option{
		proxy.WithBindPort(pc.BindPort),
		proxy.WithInterface(iface),
		proxy.WithTaps(taps...),
	}

	transport, err := proxy.ParseTransport(pc.Protocol)
	if err != nil {
		return nil, err
	}
	switch transport {
	case proxy.TCP:
		if pc.Socks5 != "" {
			dialer, err := xproxy.SOCKS5("tcp", pc.Socks5, nil, xproxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("invalid socks5 dialer %v: %w", pc.Socks5, err)
			}
			cd, ok := dialer.(xproxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks5 dialer %v does not support contexts", pc.Socks5)
			}
			opts = append(opts, proxy.WithDialer(cd))
		}
		return proxy.NewTCP(pc.UpstreamIP, pc.UpstreamPort, opts...), nil
	default:
		opts = append(opts, proxy.WithSessionIdleTimeout(pc.SessionIdleTimeout))
		return proxy.NewUDP(pc.UpstreamIP, pc.UpstreamPort, opts...), nil
	}
}

func buildTaps(confs []config.Tap) ([]tap.Tap, error) {
	taps := make([]tap.Tap, 0, len(confs))
	for j, tc := range confs {
		var t tap.Tap
		var err error
		switch tc.Type {
		case "forward":
			t = tap.Forward{}
		case "replace":
			t, err = tap.NewReplace([]byte(tc.Match), []byte(tc.Replace))
		case "dump":
			t = &tap.Dump{Hex: tc.Hex}
		case "decode":
			t, err = tap.NewDecode(tc.Layer, logrus.StandardLogger())
		default:
			err = fmt.Errorf("unsupported tap type %q", tc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("tap %d: %w", j, err)
		}
		taps = append(taps, t)
	}
	return taps, nil
}
