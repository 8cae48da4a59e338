package tap

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// Dump logs every payload it sees and forwards it unchanged.
type Dump struct {
	Logger logrus.FieldLogger
	// Hex switches the payload field from a quoted string to a hex dump.
	Hex bool
}

func (d *Dump) Handle(data []byte, addr AddrContext) ([]byte, error) {
	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithFields(logrus.Fields{
		"peer":  addr.Peer,
		"local": addr.Local,
		"len":   len(data),
	})
	if d.Hex {
		entry.Infof("payload\n%s", hex.Dump(data))
	} else {
		entry.Infof("payload %q", data)
	}
	return data, nil
}
