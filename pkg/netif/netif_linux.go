package netif

import (
	"net/netip"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

func linkAddrs(name string) ([]netip.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, err
	}
	list, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(list))
	for _, a := range list {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		addrs = append(addrs, ip.Unmap())
	}
	logrus.WithFields(logrus.Fields{
		"link":  name,
		"index": link.Attrs().Index,
	}).Debugf("Found addresses %v", addrs)
	return addrs, nil
}
