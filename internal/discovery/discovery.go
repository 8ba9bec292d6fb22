// Package discovery implements Pebble's peer discovery: signed UDP
// broadcast beacons and a liveness-tracked table of the devices heard
// from recently. The peer table is a mutex-guarded map refreshed by a
// background goroutine on a ticker, reaping entries once they go
// quiet for longer than pebble.DeviceTimeout.
package discovery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/pebblesync/pebble"
)

// ErrAlreadyRunning is returned by Start when the service is already active.
var ErrAlreadyRunning = errors.New("discovery: service already running")

// ErrNotRunning is returned by Stop when the service is not active.
var ErrNotRunning = errors.New("discovery: service not running")

const recvBufferSize = 4096

// Service broadcasts signed beacons announcing this device and
// maintains the liveness-tracked table of peers heard from recently.
// The zero value is not usable; construct one with New.
type Service struct {
	deviceName string
	psk        string

	deviceID string

	mu      sync.RWMutex
	devices map[string]pebble.DiscoveredDevice

	runMu   sync.Mutex
	running bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a discovery Service for deviceName, signing and
// verifying beacons with the shared pre-shared key psk.
func New(deviceName, psk string) *Service {
	return &Service{
		deviceName: deviceName,
		psk:        psk,
		devices:    make(map[string]pebble.DiscoveredDevice),
	}
}

// Start generates a fresh device id and launches the beacon sender,
// beacon receiver and reaper goroutines. It returns the generated
// device id.
func (s *Service) Start() (string, error) {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return "", ErrAlreadyRunning
	}
	s.running = true
	s.runMu.Unlock()

	s.deviceID = uuid.New().String()
	s.stop = make(chan struct{})

	sendSock, err := newBroadcastSocket()
	if err != nil {
		s.setRunning(false)
		return "", fmt.Errorf("discovery: opening send socket: %w", err)
	}
	recvSock, port, err := bindReceiveSocket()
	if err != nil {
		sendSock.Close()
		s.setRunning(false)
		return "", fmt.Errorf("discovery: opening receive socket: %w", err)
	}
	glog.Infof("discovery: listening for beacons on UDP port %d", port)

	s.wg.Add(3)
	go s.beaconSender(sendSock)
	go s.beaconReceiver(recvSock)
	go s.reaper()

	glog.Infof("discovery: started as device %s (%s)", s.deviceID, s.deviceName)
	return s.deviceID, nil
}

// Stop signals the background goroutines to exit and waits for them.
func (s *Service) Stop() error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.runMu.Unlock()

	close(s.stop)
	s.wg.Wait()
	glog.Infof("discovery: stopped")
	return nil
}

func (s *Service) setRunning(v bool) {
	s.runMu.Lock()
	s.running = v
	s.runMu.Unlock()
}

func (s *Service) isRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// Snapshot returns a copy of the current peer table.
func (s *Service) Snapshot() []pebble.DiscoveredDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pebble.DiscoveredDevice, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

func (s *Service) beaconSender(conn *net.UDPConn) {
	defer s.wg.Done()
	defer conn.Close()

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: pebble.DiscoveryPort}
	ticker := time.NewTicker(pebble.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			msg, err := sign(s.deviceID, s.deviceName, time.Now().Unix(), s.psk)
			if err != nil {
				glog.Warningf("discovery: building beacon: %s", err)
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				glog.Warningf("discovery: marshaling beacon: %s", err)
				continue
			}
			if _, err := conn.WriteToUDP(data, broadcastAddr); err != nil {
				glog.Warningf("discovery: sending beacon: %s", err)
			}
			glog.V(4).Infof("discovery: sent beacon")
		}
	}
}

func (s *Service) beaconReceiver(conn *net.UDPConn) {
	defer s.wg.Done()
	defer conn.Close()

	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue // timeout: loop back and re-check s.stop
		}
		var msg pebble.BeaconMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			glog.V(3).Infof("discovery: dropping malformed beacon from %s: %s", addr, err)
			continue
		}
		if msg.DeviceID == s.deviceID {
			continue // our own beacon, looped back by the broadcast
		}
		if !verify(msg, s.psk) {
			glog.Warningf("discovery: dropping beacon with invalid signature from %s", addr)
			continue
		}
		s.recordBeacon(msg, addr.IP.String())
	}
}

func (s *Service) recordBeacon(msg pebble.BeaconMessage, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[msg.DeviceID] = pebble.DiscoveredDevice{
		DeviceID:   msg.DeviceID,
		DeviceName: msg.DeviceName,
		IPAddress:  ip,
		LastSeen:   msg.Timestamp,
		IsOnline:   true,
	}
}

func (s *Service) reaper() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reap()
		}
	}
}

func (s *Service) reap() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.devices {
		if d.Expired(now) {
			delete(s.devices, id)
			glog.V(2).Infof("discovery: peer %s (%s) timed out", id, d.DeviceName)
		}
	}
}

// sign builds and signs a BeaconMessage for the given identity at timestamp.
func sign(deviceID, deviceName string, timestamp int64, psk string) (pebble.BeaconMessage, error) {
	sig, err := signature(deviceID, deviceName, timestamp, pebble.ProtocolVersion, psk)
	if err != nil {
		return pebble.BeaconMessage{}, err
	}
	return pebble.BeaconMessage{
		DeviceID:        deviceID,
		DeviceName:      deviceName,
		Timestamp:       timestamp,
		ProtocolVersion: pebble.ProtocolVersion,
		Signature:       sig,
	}, nil
}

// verify checks a beacon's signature and rejects it as a replay if its
// timestamp is older than pebble.BeaconReplayWindow.
func verify(msg pebble.BeaconMessage, psk string) bool {
	age := time.Now().Unix() - msg.Timestamp
	if age > int64(pebble.BeaconReplayWindow.Seconds()) {
		glog.Warningf("discovery: beacon from %s is %ds old, rejecting as replay", msg.DeviceID, age)
		return false
	}
	want, err := signature(msg.DeviceID, msg.DeviceName, msg.Timestamp, msg.ProtocolVersion, psk)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(msg.Signature))
}

// signature computes the hex HMAC-SHA256 over the concatenation
// device_id ∥ device_name ∥ decimal(timestamp) ∥ protocol_version
// under psk.
func signature(deviceID, deviceName string, timestamp int64, protocolVersion, psk string) (string, error) {
	if psk == "" {
		return "", errors.New("discovery: empty pre-shared key")
	}
	mac := hmac.New(sha256.New, []byte(psk))
	mac.Write([]byte(deviceID))
	mac.Write([]byte(deviceName))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(protocolVersion))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// newBroadcastSocket opens the ephemeral-port socket beacons are sent
// from, with SO_BROADCAST set so sendto() to the limited broadcast
// address doesn't fail with EACCES.
func newBroadcastSocket() (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: setBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// bindReceiveSocket binds the beacon-receiving socket, preferring
// pebble.DiscoveryPort and falling back to pebble.TestPort (e.g. when
// two agents run on the same host during development).
func bindReceiveSocket() (*net.UDPConn, int, error) {
	lc := net.ListenConfig{Control: setReuseAddr}
	for _, port := range []int{pebble.DiscoveryPort, pebble.TestPort} {
		pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			glog.Warningf("discovery: failed to bind UDP port %d: %s", port, err)
			continue
		}
		return pc.(*net.UDPConn), port, nil
	}
	return nil, 0, errors.New("discovery: could not bind to any discovery port")
}
