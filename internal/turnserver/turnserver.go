// Package turnserver runs an embedded TURN relay for peers whose NAT
// blocks direct data channels.
package turnserver

import (
	"fmt"
	"log"
	"net"

	"github.com/mossy-p/textcloud/config"
	"github.com/pion/turn/v3"
)

type Server struct {
	server  *turn.Server
	relayIP net.IP
	port    int
}

// Start listens on UDP and TCP at cfg.Port and relays through the public
// IP, auto-detected when not configured.
func Start(cfg config.TURNConfig, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}

	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		relayIP = OutboundIP()
	}
	if relayIP == nil {
		logger.Printf("Could not determine public IP, TURN relay may not work")
		relayIP = net.ParseIP("127.0.0.1")
	}

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create TURN UDP listener: %w", err)
	}
	tcpListener, err := net.Listen("tcp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		udpListener.Close()
		return nil, fmt.Errorf("failed to create TURN TCP listener: %w", err)
	}

	authKey := turn.GenerateAuthKey(cfg.Username, cfg.Realm, cfg.Password)
	s, err := turn.NewServer(turn.ServerConfig{
		Realm: cfg.Realm,
		// AuthHandler is called for every TURN allocation
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if username == cfg.Username {
				return authKey, true
			}
			logger.Printf("Rejected TURN allocation for %q from %s", username, srcAddr)
			return nil, false
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
		ListenerConfigs: []turn.ListenerConfig{
			{
				Listener: tcpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		udpListener.Close()
		tcpListener.Close()
		return nil, fmt.Errorf("failed to start TURN server: %w", err)
	}

	logger.Printf("TURN server relaying via %s on UDP/TCP port %d", relayIP, cfg.Port)
	return &Server{server: s, relayIP: relayIP, port: cfg.Port}, nil
}

// RelayIP is the address peers should use in their TURN urls.
func (s *Server) RelayIP() net.IP {
	return s.relayIP
}

func (s *Server) Close() error {
	return s.server.Close()
}

// OutboundIP gets the preferred outbound IP of this machine
func OutboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	return localAddr.IP
}
