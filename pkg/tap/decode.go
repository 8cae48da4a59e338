package tap

import (
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

var decodeLayers = map[string]gopacket.LayerType{
	"dns":    layers.LayerTypeDNS,
	"ntp":    layers.LayerTypeNTP,
	"sip":    layers.LayerTypeSIP,
	"tls":    layers.LayerTypeTLS,
	"dhcpv4": layers.LayerTypeDHCPv4,
}

// Decode parses each payload as an application protocol and logs the
// layers gopacket recognises. The payload itself is never modified.
type Decode struct {
	layer  gopacket.LayerType
	logger logrus.FieldLogger
}

func NewDecode(name string, logger logrus.FieldLogger) (*Decode, error) {
	lt, ok := decodeLayers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported decode layer %q", name)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Decode{layer: lt, logger: logger}, nil
}

func (d *Decode) Handle(data []byte, addr AddrContext) ([]byte, error) {
	pkt := gopacket.NewPacket(data, d.layer, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	entry := d.logger.WithFields(logrus.Fields{
		"peer":  addr.Peer,
		"local": addr.Local,
		"layer": d.layer,
	})
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		entry.WithError(errLayer.Error()).Debugf("Payload did not decode")
		return data, nil
	}
	for _, l := range pkt.Layers() {
		entry.Infof("Decoded %v", gopacket.LayerString(l))
	}
	return data, nil
}

// Layer reports which protocol the tap decodes.
func (d *Decode) Layer() gopacket.LayerType {
	return d.layer
}
