package routing

import (
	"fmt"
	"net"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
)

// ProtocolWorker is the multiaddr component naming a local worker at the preceding host.
const ProtocolWorker = 0x300001

func init() {
	err := ma.AddProtocol(ma.Protocol{
		Name:       "worker",
		Code:       ProtocolWorker,
		VCode:      ma.CodeToVarint(ProtocolWorker),
		Size:       ma.LengthPrefixedVarSize,
		Transcoder: ma.TranscoderDns,
	})
	if err != nil {
		panic(err)
	}
}

// RouteFromMultiaddr converts a multiaddr such as
// /ip4/127.0.0.1/udp/4000/quic-v1/worker/api into [2#127.0.0.1:4000 => api].
func RouteFromMultiaddr(s string) (Route, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	var (
		route Route
		host  string
		port  string
	)
	for _, c := range m {
		switch c.Protocol().Code {
		case ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6:
			host = c.Value()
		case ma.P_UDP:
			port = c.Value()
		case ma.P_QUIC_V1:
			if host == "" || port == "" {
				return nil, fmt.Errorf("%w: quic-v1 without host and udp port", ErrInvalidAddress)
			}
			route = append(route, Address{Transport: QUIC, Value: net.JoinHostPort(host, port)})
			host, port = "", ""
		case ProtocolWorker:
			route = append(route, LocalAddress(c.Value()))
		default:
			return nil, fmt.Errorf("%w: unsupported protocol %s", ErrInvalidAddress, c.Protocol().Name)
		}
	}
	if host != "" || port != "" {
		return nil, fmt.Errorf("%w: dangling host or port", ErrInvalidAddress)
	}
	if len(route) == 0 {
		return nil, fmt.Errorf("%w: empty route", ErrInvalidAddress)
	}
	return route, nil
}

// Multiaddr renders a route of QUIC and local addresses as a multiaddr string.
func (r Route) Multiaddr() (string, error) {
	var out string
	for _, a := range r {
		switch a.Transport {
		case Local:
			out += "/worker/" + a.Value
		case QUIC:
			host, port, err := net.SplitHostPort(a.Value)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
			}
			if _, err := strconv.ParseUint(port, 10, 16); err != nil {
				return "", fmt.Errorf("%w: port %q", ErrInvalidAddress, port)
			}
			proto := "dns"
			if ip := net.ParseIP(host); ip != nil {
				proto = "ip6"
				if ip.To4() != nil {
					proto = "ip4"
				}
			}
			out += "/" + proto + "/" + host + "/udp/" + port + "/quic-v1"
		default:
			return "", fmt.Errorf("%w: %s has no multiaddr form", ErrInvalidAddress, a.Transport)
		}
	}
	return out, nil
}
