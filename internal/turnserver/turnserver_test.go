package turnserver

import (
	"io"
	"log"
	"net"
	"testing"

	"github.com/mossy-p/textcloud/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestStartAndClose(t *testing.T) {
	s, err := Start(config.TURNConfig{
		Enabled:  true,
		Port:     freePort(t),
		PublicIP: "127.0.0.1",
		Realm:    "textcloud",
		Username: "user",
		Password: "pass",
	}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Skipf("cannot bind TURN listeners here: %v", err)
	}
	if !s.RelayIP().Equal(net.ParseIP("127.0.0.1")) {
		t.Fatalf("expected configured relay ip, got %s", s.RelayIP())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
