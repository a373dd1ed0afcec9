package rtc

import "github.com/pion/webrtc/v4"

// ICEServer is one STUN or TURN endpoint.
type ICEServer struct {
	// URLs lists the server URIs, e.g. "stun:stun.l.google.com:19302" or
	// "turn:turn.example.net:3478?transport=udp".
	URLs []string
	// Username authenticates against TURN servers.
	Username string
	// Credential authenticates against TURN servers.
	Credential string
}

// Config holds the ICE server pool used for every call.
type Config struct {
	ICEServers []ICEServer
}

// DefaultConfig returns a public STUN pool. TURN relays carry credentials
// and are expected to come from deployment configuration.
func DefaultConfig() Config {
	return Config{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
	}
}

func (c Config) webrtcConfiguration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return webrtc.Configuration{ICEServers: servers}
}
