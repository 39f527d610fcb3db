// Package discovery finds tuner and DVR appliances on the local network.
//
// A pass probes over UDP broadcast first, supplements the result with the
// vendor cloud's device list, and falls back to sweeping interface-adjacent
// /24 subnets when both come up empty. Every candidate address is then asked
// for its discover.json, results are deduplicated by hardware id, and the
// surviving set replaces the online set in one transaction. Devices absent
// from a pass go offline; they are never deleted.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc/pool"

	"tunerhub/models"
	"tunerhub/services/hdhr"
)

const (
	// collectWindow is how long a pass listens for UDP replies after the
	// broadcast goes out.
	collectWindow = 3 * time.Second

	// Appliances coming out of network standby drop the first TCP
	// connection; one retry after a short pause reaches them.
	detailsAttempts   = 2
	detailsRetryDelay = 500 * time.Millisecond

	scanParallelism = 32
	scanHostTimeout = 2 * time.Second

	vendorName        = "HDHomeRun"
	vendorModelPrefix = "HDHR"
)

type applianceAPI interface {
	Discover(ctx context.Context, baseURL string) (*hdhr.DiscoverResponse, error)
}

type cloudAPI interface {
	DiscoverDevices(ctx context.Context) ([]hdhr.CloudDevice, error)
}

type deviceStore interface {
	ReplaceOnlineSet(devices []models.Device) (int64, error)
}

// tunerPool receives the authoritative appliance set after each pass.
type tunerPool interface {
	SyncDevices(devices []models.Device)
}

// candidate is one address that might host an appliance, with the source
// that produced it. Scan hits carry the details document they already
// fetched so the pass does not ask twice.
type candidate struct {
	ip      string
	via     string
	details *hdhr.DiscoverResponse
}

// Service runs discovery passes. One pass is in flight at a time; a second
// caller gets ErrBusy rather than doubling the network traffic.
type Service struct {
	appliance applianceAPI
	cloud     cloudAPI
	devices   deviceStore
	pool      tunerPool

	window       time.Duration
	scanParallel int

	// Overridable for tests: where broadcasts go and which hosts a subnet
	// sweep visits.
	broadcastTargets func() []string
	scanHosts        func() []string

	mu        sync.Mutex
	running   bool
	lastRun   time.Time
	lastCount int
}

func NewService(appliance applianceAPI, cloud cloudAPI, devices deviceStore, tuners tunerPool) *Service {
	return &Service{
		appliance:        appliance,
		cloud:            cloud,
		devices:          devices,
		pool:             tuners,
		window:           collectWindow,
		scanParallel:     scanParallelism,
		broadcastTargets: defaultBroadcastTargets,
		scanHosts:        defaultScanHosts,
	}
}

// Run executes one discovery pass and returns the appliances it found. The
// found set is authoritative: everything else flips offline and the tuner
// pool is told about both arrivals and departures.
func (s *Service) Run(ctx context.Context) ([]models.Device, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("discovery pass already running: %w", models.ErrBusy)
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	candidates := s.udpProbe(ctx)
	udpHits := len(candidates)

	candidates = append(candidates, s.cloudCandidates(ctx)...)
	if len(candidates) == 0 {
		candidates = s.scanSubnets(ctx)
	}

	// UDP candidates sit first in the slice, so first-wins deduplication
	// keeps the UDP-reported address when several sources saw one device.
	found := make([]models.Device, 0, len(candidates))
	seenIP := make(map[string]bool, len(candidates))
	seenID := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		if seenIP[cand.ip] {
			continue
		}
		seenIP[cand.ip] = true

		details := cand.details
		if details == nil {
			d, err := s.fetchDetails(ctx, cand.ip)
			if err != nil {
				log.Printf("[discovery] %s (%s): %v", cand.ip, cand.via, err)
				continue
			}
			details = d
		}
		if seenID[details.DeviceID] {
			continue
		}
		seenID[details.DeviceID] = true
		found = append(found, details.ToDevice(cand.ip, cand.via))
	}

	offlined, err := s.devices.ReplaceOnlineSet(found)
	if err != nil {
		return nil, fmt.Errorf("persist discovery pass: %w", err)
	}
	s.pool.SyncDevices(found)

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.lastCount = len(found)
	s.mu.Unlock()

	log.Printf("[discovery] pass found %d appliances (%d via udp) in %s, %d went offline",
		len(found), udpHits, time.Since(start).Round(time.Millisecond), offlined)
	return found, nil
}

// LastRun reports when the most recent pass finished and how many
// appliances it found.
func (s *Service) LastRun() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastCount
}

// udpProbe broadcasts a wildcard discover request and collects replies
// until the window closes. Malformed datagrams are dropped; the port sees
// stray traffic on busy networks.
func (s *Service) udpProbe(ctx context.Context) []candidate {
	targets := s.broadcastTargets()
	if len(targets) == 0 {
		return nil
	}

	conn, err := listenBroadcast(ctx)
	if err != nil {
		log.Printf("[discovery] udp listen: %v", err)
		return nil
	}
	defer conn.Close()

	request := EncodeDiscoverRequest()
	sent := 0
	for _, target := range targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			continue
		}
		if _, err := conn.WriteTo(request, addr); err != nil {
			log.Printf("[discovery] broadcast to %s: %v", target, err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return nil
	}

	deadline := time.Now().Add(s.window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var out []candidate
	seen := make(map[string]bool)
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}
		reply, err := ParseDiscoverReply(buf[:n])
		if err != nil {
			log.Printf("[discovery] dropping datagram from %s: %v", from, err)
			continue
		}
		host, _, err := net.SplitHostPort(from.String())
		if err != nil || seen[host] {
			continue
		}
		seen[host] = true
		log.Printf("[discovery] udp reply from %s: device %s, %d tuners",
			host, reply.DeviceIDString(), reply.TunerCount)
		out = append(out, candidate{ip: host, via: models.DiscoveredUDP})
	}
	return out
}

// cloudCandidates asks the vendor cloud which appliances it has seen behind
// our public address. Cloud failures degrade the pass, never fail it.
func (s *Service) cloudCandidates(ctx context.Context) []candidate {
	entries, err := s.cloud.DiscoverDevices(ctx)
	if err != nil {
		log.Printf("[discovery] cloud device list: %v", err)
		return nil
	}

	var out []candidate
	for _, entry := range entries {
		if entry.LocalIP == "" {
			continue
		}
		out = append(out, candidate{ip: entry.LocalIP, via: models.DiscoveredCloud})
	}
	return out
}

// scanSubnets sweeps the hosts adjacent to our interfaces, keeping only
// responders that identify as vendor hardware.
func (s *Service) scanSubnets(ctx context.Context) []candidate {
	hosts := s.scanHosts()
	if len(hosts) == 0 {
		return nil
	}
	log.Printf("[discovery] sweeping %d subnet hosts", len(hosts))

	var (
		mu  sync.Mutex
		out []candidate
	)
	p := pool.New().WithMaxGoroutines(s.scanParallel)
	for _, host := range hosts {
		host := host
		p.Go(func() {
			probeCtx, cancel := context.WithTimeout(ctx, scanHostTimeout)
			defer cancel()

			details, err := s.appliance.Discover(probeCtx, "http://"+host)
			if err != nil {
				return
			}
			if !isVendorHardware(details) {
				return
			}
			mu.Lock()
			out = append(out, candidate{ip: host, via: models.DiscoveredScan, details: details})
			mu.Unlock()
		})
	}
	p.Wait()
	return out
}

func isVendorHardware(d *hdhr.DiscoverResponse) bool {
	return strings.Contains(d.FriendlyName, vendorName) ||
		strings.HasPrefix(d.ModelNumber, vendorModelPrefix)
}

func (s *Service) fetchDetails(ctx context.Context, ip string) (*hdhr.DiscoverResponse, error) {
	var details *hdhr.DiscoverResponse
	err := retry.Do(
		func() error {
			d, err := s.appliance.Discover(ctx, "http://"+ip)
			if err != nil {
				return err
			}
			details = d
			return nil
		},
		retry.Attempts(detailsAttempts),
		retry.Delay(detailsRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return details, nil
}

// listenBroadcast binds an ephemeral UDP socket with SO_BROADCAST set so
// the probe may address 255.255.255.255.
func listenBroadcast(ctx context.Context) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(ctx, "udp4", ":0")
}

// defaultBroadcastTargets returns the limited broadcast address plus the
// directed broadcast of every up, non-loopback IPv4 interface.
func defaultBroadcastTargets() []string {
	targets := []string{fmt.Sprintf("255.255.255.255:%d", Port)}
	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, iface := range ifaces {
		if !usableInterface(iface) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if bcast := broadcastAddr(ipnet); bcast != nil {
				targets = append(targets, fmt.Sprintf("%s:%d", bcast, Port))
			}
		}
	}
	return targets
}

// defaultScanHosts lists every host address in the /24 around each local
// interface address, excluding our own.
func defaultScanHosts() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var hosts []string
	seen := make(map[string]bool)
	for _, iface := range ifaces {
		if !usableInterface(iface) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			for _, host := range subnetHosts(ipnet.IP) {
				if !seen[host] {
					seen[host] = true
					hosts = append(hosts, host)
				}
			}
		}
	}
	return hosts
}

func usableInterface(iface net.Interface) bool {
	return iface.Flags&net.FlagUp != 0 &&
		iface.Flags&net.FlagLoopback == 0 &&
		iface.Flags&net.FlagBroadcast != 0
}

// broadcastAddr computes the directed broadcast of an IPv4 network.
func broadcastAddr(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil || len(n.Mask) != net.IPv4len {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^n.Mask[i]
	}
	return out
}

// subnetHosts enumerates the 254 host addresses of ip's /24, leaving out ip
// itself.
func subnetHosts(ip net.IP) []string {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	hosts := make([]string, 0, 253)
	for last := 1; last <= 254; last++ {
		if int(v4[3]) == last {
			continue
		}
		hosts = append(hosts, fmt.Sprintf("%d.%d.%d.%d", v4[0], v4[1], v4[2], last))
	}
	return hosts
}
