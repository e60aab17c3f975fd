package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ICEServer matches the RTCIceServer dictionary browsers and pion accept.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEServers returns the STUN list and, when the embedded relay runs, its
// TURN urls and credentials.
func (h *Handler) ICEServers(c *gin.Context) {
	ice := h.opts.ICE
	servers := []ICEServer{}
	if len(ice.STUNServers) > 0 {
		servers = append(servers, ICEServer{URLs: ice.STUNServers})
	}
	if ice.TURNEnabled && ice.TURNHost != "" {
		servers = append(servers, ICEServer{
			URLs: []string{
				fmt.Sprintf("turn:%s:%d", ice.TURNHost, ice.TURNPort),
				fmt.Sprintf("turn:%s:%d?transport=tcp", ice.TURNHost, ice.TURNPort),
			},
			Username:   ice.TURNUsername,
			Credential: ice.TURNPassword,
		})
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}
