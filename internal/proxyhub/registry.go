package proxyhub

import (
	"log/slog"
	"sync"
)

// DeviceRegistry is the process-wide device-id -> live TunnelSession
// table. Mutations (register/deregister) are strictly serialised;
// lookups may proceed concurrently with each other.
type DeviceRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*TunnelSession
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{sessions: make(map[string]*TunnelSession)}
}

// Register installs session under deviceID. If a session is already
// registered, it is moved out and closed with reason "superseded"
// before the new one is installed, satisfying the at-most-one-session
// invariant.
func (r *DeviceRegistry) Register(deviceID string, session *TunnelSession) {
	r.mu.Lock()
	old, existed := r.sessions[deviceID]
	if existed {
		delete(r.sessions, deviceID)
		slog.Info("device session superseded", "device_id", deviceID)
		old.Close("superseded")
	}
	r.sessions[deviceID] = session
	r.mu.Unlock()

	// remove the entry automatically when this session dies, unless it
	// has already been superseded by a newer one.
	go func() {
		<-session.Done()
		r.Deregister(deviceID, session)
	}()
}

// Deregister removes the entry for deviceID only if it currently holds
// exactly this session, avoiding a race where a stale deregistration
// evicts a newer registration.
func (r *DeviceRegistry) Deregister(deviceID string, session *TunnelSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[deviceID]; ok && cur == session {
		delete(r.sessions, deviceID)
	}
}

// Get returns the live session for deviceID, if any.
func (r *DeviceRegistry) Get(deviceID string) (*TunnelSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// ResolveCamera finds the device owning cameraID by scanning live
// sessions' registered camera lists.
func (r *DeviceRegistry) ResolveCamera(cameraID string) (*TunnelSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		for _, c := range s.cameraIDs {
			if c == cameraID {
				return s, true
			}
		}
	}
	return nil, false
}

// CameraRecord is one (device, camera) pairing returned by ListCameras.
type CameraRecord struct {
	DeviceID string
	CameraID string
}

// ListCameras enumerates every (device, camera) pairing across all live
// sessions.
func (r *DeviceRegistry) ListCameras() []CameraRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CameraRecord
	for deviceID, s := range r.sessions {
		for _, c := range s.cameraIDs {
			out = append(out, CameraRecord{DeviceID: deviceID, CameraID: c})
		}
	}
	return out
}

// Size returns the number of currently registered devices.
func (r *DeviceRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
