package registry

import (
	"fmt"
	"maps"
	"slices"

	"github.com/nerrad567/microscope-core/internal/device"
	"github.com/nerrad567/microscope-core/internal/drivers"
	"github.com/nerrad567/microscope-core/internal/infrastructure/config"
	"github.com/nerrad567/microscope-core/internal/remote"
)

// Topology carries what Build needs beyond the configuration.
type Topology struct {
	// Catalog resolves local driver references such as "sim.camera".
	Catalog *drivers.Catalog

	// Transports reach device hosts, keyed by config.TransportMQTT or
	// config.TransportNATS. Transports that also implement
	// remote.TransitionSource feed far-side transitions to the proxies.
	Transports map[string]remote.Transport

	// ProxyOptions are applied to every proxy.
	ProxyOptions []remote.ProxyOption

	// Store persists local settings snapshots. Optional.
	Store device.SettingsStore

	// Runner coordinates sessions. Optional.
	Runner SessionRunner

	Logger Logger
}

// Build creates a registry holding every device in cfg.Devices and every
// constraint in cfg.Dependencies. Devices are not initialised.
//
// Controller drivers are registered under their own name and each of their
// sub-devices under "name.sub". Initial settings for a sub-device are given
// as a nested map under the sub-device name.
func Build(cfg *config.Config, topo Topology) (*Registry, error) {
	r := NewRegistry(topo.Runner)
	if topo.Logger != nil {
		r.SetLogger(topo.Logger)
	}

	proxies := make(map[string]map[string][]*remote.Proxy) // transport → host → proxies
	for _, dc := range cfg.Devices {
		var err error
		if dc.Remote != nil {
			var p *remote.Proxy
			p, err = r.addRemote(dc, topo)
			if err == nil {
				byHost := proxies[dc.Remote.Transport]
				if byHost == nil {
					byHost = make(map[string][]*remote.Proxy)
					proxies[dc.Remote.Transport] = byHost
				}
				byHost[dc.Remote.Host] = append(byHost[dc.Remote.Host], p)
			}
		} else {
			err = r.addLocal(dc, topo)
		}
		if err != nil {
			r.Close()
			return nil, err
		}
	}

	if err := r.watchHosts(topo, proxies); err != nil {
		r.Close()
		return nil, err
	}

	for _, expr := range cfg.Dependencies {
		dep, err := ParseDependency(expr)
		if err != nil {
			r.Close()
			return nil, err
		}
		if err := r.AddDependency(dep); err != nil {
			r.Close()
			return nil, err
		}
	}

	r.logger.Info("topology built", "devices", len(r.Names()), "dependencies", len(cfg.Dependencies))
	return r, nil
}

func (r *Registry) machineOptions(topo Topology) []device.Option {
	var opts []device.Option
	if topo.Logger != nil {
		opts = append(opts, device.WithLogger(topo.Logger))
	}
	if topo.Store != nil {
		opts = append(opts, device.WithSettingsStore(topo.Store))
	}
	return opts
}

func (r *Registry) addLocal(dc config.DeviceConfig, topo Topology) error {
	if topo.Catalog == nil {
		return fmt.Errorf("registry: %s: no driver catalog", dc.Name)
	}
	drv, err := topo.Catalog.New(dc.Driver, drivers.Params(dc.Params))
	if err != nil {
		return fmt.Errorf("device %s: %w", dc.Name, err)
	}

	opts := r.machineOptions(topo)
	ctrl, isController := drv.(device.Controller)
	var subs map[string]device.Driver
	initial := dc.Settings
	if isController {
		subs = ctrl.Devices()
		initial = make(map[string]any, len(dc.Settings))
		for k, v := range dc.Settings {
			if _, isSub := subs[k]; !isSub {
				initial[k] = v
			}
		}
	}

	if err := r.Add(dc.Name, device.NewMachine(dc.Name, drv, opts...), WithInitialSettings(initial)); err != nil {
		return err
	}

	for _, sub := range slices.Sorted(maps.Keys(subs)) {
		name := dc.Name + "." + sub
		subInitial, _ := dc.Settings[sub].(map[string]any)
		m := device.NewMachine(name, subs[sub], opts...)
		if err := r.Add(name, m, WithParent(dc.Name), WithInitialSettings(subInitial)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) addRemote(dc config.DeviceConfig, topo Topology) (*remote.Proxy, error) {
	t, ok := topo.Transports[dc.Remote.Transport]
	if !ok || t == nil {
		return nil, fmt.Errorf("registry: %s: %s transport is not configured", dc.Name, dc.Remote.Transport)
	}
	addr := remote.Address{Host: dc.Remote.Host, Device: dc.Remote.Device}
	opts := slices.Clone(topo.ProxyOptions)
	if topo.Logger != nil {
		opts = append(opts, remote.WithProxyLogger(topo.Logger))
	}
	p := remote.NewProxy(dc.Name, addr, t, opts...)
	if err := r.Add(dc.Name, p, WithRemoteAddress(addr.String()), WithInitialSettings(dc.Settings)); err != nil {
		return nil, err
	}
	return p, nil
}

// watchHosts subscribes once per device host and fans transitions out to
// the proxies for that host.
func (r *Registry) watchHosts(topo Topology, proxies map[string]map[string][]*remote.Proxy) error {
	for transport, byHost := range proxies {
		src, ok := topo.Transports[transport].(remote.TransitionSource)
		if !ok {
			continue
		}
		for host, ps := range byHost {
			stop, err := src.SubscribeTransitions(host, func(t device.Transition) {
				for _, p := range ps {
					p.Observe(t)
				}
			})
			if err != nil {
				return fmt.Errorf("watching %s: %w", host, err)
			}
			r.onClose(stop)
		}
	}
	return nil
}
