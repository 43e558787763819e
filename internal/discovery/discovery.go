// Package discovery advertises the relay's HTTP API on the local network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	"go.uber.org/zap"
)

const (
	// ServiceType is the DNS-SD service type of the relay API.
	ServiceType = "_motionrelay._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63
)

// Info describes what is advertised.
type Info struct {
	Instance string
	Port     int
	// TXT holds key=value metadata, e.g. api=/api/v1.
	TXT map[string]string
}

// Advertiser publishes the relay on the network.
type Advertiser interface {
	Advertise(ctx context.Context, info Info) error
	Stop() error
}

// Config configures the mDNS advertiser.
type Config struct {
	// Interface restricts advertisement to one network interface; empty means all.
	Interface string
	TTL       time.Duration
}

type shutdowner interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (shutdowner, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (shutdowner, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
}

// MDNSAdvertiser implements Advertiser with zeroconf.
type MDNSAdvertiser struct {
	config   Config
	logger   *zap.Logger
	register registerFunc

	mu     sync.Mutex
	server shutdowner
}

// NewMDNSAdvertiser creates an advertiser. Nothing is sent until Advertise.
func NewMDNSAdvertiser(config Config, logger *zap.Logger) *MDNSAdvertiser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MDNSAdvertiser{
		config:   config,
		logger:   logger.Named("discovery"),
		register: zeroconfRegister,
	}
}

// getInterfaces returns nil to use all interfaces.
func (a *MDNSAdvertiser) getInterfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		a.logger.Warn("Unknown interface, advertising on all", zap.String("interface", a.config.Interface))
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers the service, replacing an earlier registration.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, info Info) error {
	if info.Port <= 0 || info.Port > 65535 {
		return fmt.Errorf("advertised port %d out of range", info.Port)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	instance := InstanceName(info.Instance)

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	server, err := a.register(instance, ServiceType, Domain, info.Port, EncodeTXT(info.TXT), a.getInterfaces(), opts...)
	if err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceType, err)
	}
	a.server = server

	a.logger.Info("Advertising relay",
		zap.String("instance", instance),
		zap.String("service", ServiceType),
		zap.Int("port", info.Port))
	return nil
}

// Stop withdraws the advertisement. It is idempotent.
func (a *MDNSAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	return nil
}

// InstanceName returns a valid DNS-SD instance name, defaulting to "motionrelay-{hostname}".
func InstanceName(name string) string {
	if name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "hub"
		}
		name = "motionrelay-" + host
	}
	if len(name) > MaxInstanceNameLen {
		name = name[:MaxInstanceNameLen]
	}
	return name
}

// EncodeTXT renders TXT records as sorted key=value strings.
func EncodeTXT(txt map[string]string) []string {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+txt[k])
	}
	return out
}

// NoopAdvertiser is used when discovery is disabled.
type NoopAdvertiser struct{}

func (NoopAdvertiser) Advertise(ctx context.Context, info Info) error { return nil }
func (NoopAdvertiser) Stop() error                                    { return nil }

var (
	_ Advertiser = (*MDNSAdvertiser)(nil)
	_ Advertiser = NoopAdvertiser{}
)
