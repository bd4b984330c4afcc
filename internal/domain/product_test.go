package domain

import (
	"context"
	"reflect"
	"testing"
)

func TestPublicEnvDropsSharedKey(t *testing.T) {
	p := Product{EnvVars: map[string]string{SharedKeyEnv: "secret", "MQTT_HOST": "broker"}}
	env := p.PublicEnv()
	if _, ok := env[SharedKeyEnv]; ok {
		t.Fatalf("expected shared key to be removed")
	}
	if env["MQTT_HOST"] != "broker" {
		t.Fatalf("expected other vars to be kept")
	}
	if p.EnvVars[SharedKeyEnv] != "secret" {
		t.Fatalf("original map must not be modified")
	}
}

func TestEnvListSorted(t *testing.T) {
	got := EnvList(map[string]string{"B": "2", "A": "1"})
	want := []string{"A=1", "B=2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestActorDefaultsToSystem(t *testing.T) {
	if got := ActorFromContext(context.Background()).UserID; got != "system" {
		t.Fatalf("expected system actor, got %q", got)
	}
	ctx := WithActor(context.Background(), Actor{UserID: "ops", IPAddress: "10.0.0.1"})
	actor := ActorFromContext(ctx)
	if actor.UserID != "ops" || actor.IPAddress != "10.0.0.1" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}
