package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/example/carpool/internal/models"
)

// Directory answers identity and membership questions owned by another
// service. The engine only reads from it.
type Directory interface {
	IsMember(ctx context.Context, userID, communityID string) (bool, error)
	OwnsVehicle(ctx context.Context, userID, vehicleID string) (bool, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// Static is an in-memory Directory for local runs and tests.
type Static struct {
	mu       sync.RWMutex
	users    map[string]models.User
	members  map[string]struct{}
	vehicles map[string]string
}

func NewStatic() *Static {
	return &Static{
		users:    make(map[string]models.User),
		members:  make(map[string]struct{}),
		vehicles: make(map[string]string),
	}
}

func (s *Static) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Static) AddMember(communityID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[communityID+"|"+userID] = struct{}{}
}

func (s *Static) AddVehicle(vehicleID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles[vehicleID] = ownerID
}

func (s *Static) IsMember(_ context.Context, userID, communityID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[communityID+"|"+userID]
	return ok, nil
}

func (s *Static) OwnsVehicle(_ context.Context, userID, vehicleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.vehicles[vehicleID]
	return ok && owner == userID, nil
}

func (s *Static) GetUser(_ context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	return &u, nil
}

var _ Directory = (*Static)(nil)

// Seed is the JSON shape accepted by LoadStatic.
type Seed struct {
	Users       []models.User `json:"users"`
	Memberships []struct {
		CommunityID string `json:"community_id"`
		UserID      string `json:"user_id"`
	} `json:"memberships"`
	Vehicles []struct {
		ID      string `json:"id"`
		OwnerID string `json:"owner_id"`
	} `json:"vehicles"`
}

// LoadStatic builds a Static directory from a JSON seed document.
func LoadStatic(r io.Reader) (*Static, error) {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode directory seed: %w", err)
	}
	s := NewStatic()
	for _, u := range seed.Users {
		s.AddUser(u)
	}
	for _, m := range seed.Memberships {
		s.AddMember(m.CommunityID, m.UserID)
	}
	for _, v := range seed.Vehicles {
		s.AddVehicle(v.ID, v.OwnerID)
	}
	return s, nil
}
