package tap

import (
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var testAddr = AddrContext{
	Peer:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
	Local: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999},
}

func mustReplace(t *testing.T, match, with string) *Replace {
	r, err := NewReplace([]byte(match), []byte(with))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEmptyChainForwards(t *testing.T) {
	RegisterTestingT(t)
	var c Chain
	out, err := c.Apply([]byte("Hello, World!"), testAddr)
	Expect(err).NotTo(HaveOccurred())
	Expect(out).To(Equal([]byte("Hello, World!")))
}

func TestChainSingleReplace(t *testing.T) {
	RegisterTestingT(t)
	var c Chain
	c.Add(mustReplace(t, "World", "Galaxy"))
	out, err := c.Apply([]byte("Hello, World!"), testAddr)
	Expect(err).NotTo(HaveOccurred())
	Expect(string(out)).To(Equal("Hello, Galaxy!"))
}

func TestChainOrder(t *testing.T) {
	RegisterTestingT(t)
	var c Chain
	c.Add(mustReplace(t, "World", "Galaxy"))
	c.Add(mustReplace(t, "Galaxy", "Universe"))
	out, err := c.Apply([]byte("Hello, World!"), testAddr)
	Expect(err).NotTo(HaveOccurred())
	Expect(string(out)).To(Equal("Hello, Universe!"))

	var reversed Chain
	reversed.Add(mustReplace(t, "Galaxy", "Universe"))
	reversed.Add(mustReplace(t, "World", "Galaxy"))
	out, err = reversed.Apply([]byte("Hello, World!"), testAddr)
	Expect(err).NotTo(HaveOccurred())
	Expect(string(out)).To(Equal("Hello, Galaxy!"))
}

func TestChainSeesAddrContext(t *testing.T) {
	RegisterTestingT(t)
	var seen []AddrContext
	var c Chain
	c.Add(Func(func(data []byte, addr AddrContext) ([]byte, error) {
		seen = append(seen, addr)
		return data, nil
	}))
	c.Add(Forward{})
	_, err := c.Apply([]byte("x"), testAddr)
	Expect(err).NotTo(HaveOccurred())
	Expect(seen).To(ConsistOf(testAddr))
}

func TestChainErrorAborts(t *testing.T) {
	RegisterTestingT(t)
	boom := errors.New("boom")
	called := false
	var c Chain
	c.Add(Func(func([]byte, AddrContext) ([]byte, error) { return nil, boom }))
	c.Add(Func(func(data []byte, _ AddrContext) ([]byte, error) {
		called = true
		return data, nil
	}))
	out, err := c.Apply([]byte("x"), testAddr)
	Expect(err).To(MatchError(boom))
	Expect(out).To(BeNil())
	Expect(called).To(BeFalse())
}

func TestChainNilBecomesEmpty(t *testing.T) {
	RegisterTestingT(t)
	var c Chain
	c.Add(Func(func([]byte, AddrContext) ([]byte, error) { return nil, nil }))
	out, err := c.Apply([]byte("x"), testAddr)
	Expect(err).NotTo(HaveOccurred())
	Expect(out).NotTo(BeNil())
	Expect(out).To(BeEmpty())
}

func TestReplaceRejectsEmptyMatch(t *testing.T) {
	RegisterTestingT(t)
	_, err := NewReplace(nil, []byte("x"))
	Expect(err).To(HaveOccurred())

	r := mustReplace(t, "a", "b")
	Expect(r.Set([]byte{}, []byte("c"))).To(HaveOccurred())
	Expect(r.Set([]byte("b"), []byte("c"))).To(Succeed())
	out, _ := r.Handle([]byte("abc"), testAddr)
	Expect(string(out)).To(Equal("acc"))
}

func TestDumpLogsPayload(t *testing.T) {
	RegisterTestingT(t)
	logger, hook := test.NewNullLogger()
	d := &Dump{Logger: logger}
	out, err := d.Handle([]byte("ping"), testAddr)
	Expect(err).NotTo(HaveOccurred())
	Expect(string(out)).To(Equal("ping"))
	Expect(hook.LastEntry()).NotTo(BeNil())
	Expect(hook.LastEntry().Level).To(Equal(logrus.InfoLevel))
	Expect(hook.LastEntry().Data).To(HaveKeyWithValue("len", 4))
	Expect(hook.LastEntry().Message).To(ContainSubstring(`"ping"`))
}

func TestDecodeDNS(t *testing.T) {
	RegisterTestingT(t)
	logger, hook := test.NewNullLogger()
	d, err := NewDecode("DNS", logger)
	Expect(err).NotTo(HaveOccurred())
	Expect(d.Layer()).To(Equal(layers.LayerTypeDNS))

	// standard query for example.com A
	query := []byte{
		0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x07, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 0x03, 'c', 'o', 'm', 0x00,
		0x00, 0x01, 0x00, 0x01,
	}
	out, err := d.Handle(query, testAddr)
	Expect(err).NotTo(HaveOccurred())
	Expect(out).To(Equal(query))
	Expect(hook.Entries).NotTo(BeEmpty())
	Expect(hook.LastEntry().Message).To(HavePrefix("Decoded DNS"))
}

func TestDecodeUnknownLayer(t *testing.T) {
	RegisterTestingT(t)
	_, err := NewDecode("gopher", nil)
	Expect(err).To(HaveOccurred())
}
