package proxy

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"

	"golang.org/x/net/idna"

	"github.com/hpungsan/codestream/internal/errors"
)

// Policy decides which writer addresses a reader may be pointed at.
type Policy struct {
	// BlockPrivate rejects loopback, private, link-local and unspecified
	// addresses unless they fall inside Allowed.
	BlockPrivate bool
	Allowed      []netip.Prefix
}

// ParsePolicy builds a Policy from configured CIDR strings.
func ParsePolicy(blockPrivate bool, cidrs []string) (Policy, error) {
	p := Policy{BlockPrivate: blockPrivate}
	for _, c := range cidrs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return Policy{}, fmt.Errorf("invalid allowed CIDR %q: %w", c, err)
		}
		p.Allowed = append(p.Allowed, prefix.Masked())
	}
	return p, nil
}

var (
	sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")
	loopback           = netip.MustParseAddr("127.0.0.1")
)

// AllowAddr reports whether the policy admits addr.
func (p Policy) AllowAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range p.Allowed {
		if prefix.Contains(addr) {
			return true
		}
	}
	if !p.BlockPrivate {
		return true
	}
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || sharedAddressSpace.Contains(addr))
}

// control is a net.Dialer Control hook. It sees the resolved address, so a
// hostname that resolves into a blocked range is refused at connect time.
func (p Policy) control(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("unexpected dial address %q", address)
	}
	if !p.AllowAddr(ap.Addr()) {
		return errBlockedAddress
	}
	return nil
}

var errBlockedAddress = stderrors.New("address blocked by network policy")

// ValidateURL checks a writer base URL and returns it normalized: lower-case
// scheme, IDNA host, no trailing slash. Embedded credentials, non-http
// schemes, missing hosts and (per policy) private addresses are rejected.
func ValidateURL(raw string, policy Policy) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.NewMissingField("teacher_base_url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.NewInvalidRequest("Invalid URL format")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errors.NewInvalidRequest("URL must use http:// or https:// scheme")
	}
	if u.User != nil {
		return "", errors.NewInvalidRequest("URL must not contain embedded credentials (user:pass@host)")
	}
	host := u.Hostname()
	if host == "" {
		return "", errors.NewInvalidRequest("URL must include a hostname")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", errors.NewInvalidRequest("URL must not contain a query or fragment")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !policy.AllowAddr(addr) {
			return "", errors.NewInvalidRequest("URL points to a blocked network address")
		}
	} else {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", errors.NewInvalidRequest("URL hostname is not valid")
		}
		host = ascii
		if (host == "localhost" || strings.HasSuffix(host, ".localhost")) && !policy.AllowAddr(loopback) {
			return "", errors.NewInvalidRequest("URL points to a blocked network address")
		}
	}

	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	u.Scheme = scheme
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}
