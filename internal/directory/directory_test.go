package directory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/example/carpool/internal/models"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	d := NewStatic()
	d.AddUser(models.User{ID: "u1", Username: "ana"})
	d.AddMember("c1", "u1")
	d.AddVehicle("v1", "u1")

	if ok, _ := d.IsMember(ctx, "u1", "c1"); !ok {
		t.Error("u1 should be a member of c1")
	}
	if ok, _ := d.IsMember(ctx, "u1", "c2"); ok {
		t.Error("u1 is not a member of c2")
	}
	if ok, _ := d.OwnsVehicle(ctx, "u1", "v1"); !ok {
		t.Error("u1 should own v1")
	}
	if ok, _ := d.OwnsVehicle(ctx, "u2", "v1"); ok {
		t.Error("u2 does not own v1")
	}
	if u, err := d.GetUser(ctx, "u1"); err != nil || u.Username != "ana" {
		t.Errorf("unexpected user %+v err=%v", u, err)
	}
	if _, err := d.GetUser(ctx, "nobody"); !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("expected user not found, got %v", err)
	}
}

func TestLoadStatic(t *testing.T) {
	seed := `{
		"users": [{"id": "d1", "username": "dana"}],
		"memberships": [{"community_id": "c1", "user_id": "d1"}],
		"vehicles": [{"id": "v1", "owner_id": "d1"}]
	}`
	d, err := LoadStatic(strings.NewReader(seed))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx := context.Background()
	if ok, _ := d.IsMember(ctx, "d1", "c1"); !ok {
		t.Error("expected membership from seed")
	}
	if ok, _ := d.OwnsVehicle(ctx, "d1", "v1"); !ok {
		t.Error("expected vehicle from seed")
	}
	if _, err := LoadStatic(strings.NewReader("{")); err == nil {
		t.Error("expected decode error")
	}
}
