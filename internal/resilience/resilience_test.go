package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/dhonus/jellytui-core/internal/errs"
	"github.com/dhonus/jellytui-core/internal/model"
)

func TestGuardDoSuccess(t *testing.T) {
	g := NewGuard("test", 2)
	err := g.Do(context.Background(), "t1", func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGuardDoWrapsPlainErrorsAsTransient(t *testing.T) {
	g := NewGuard("test", 5)
	plain := errors.New("boom")
	err := g.Do(context.Background(), "t1", func() error { return plain })
	if errs.KindOf(err) != errs.KindTransientNetwork {
		t.Fatalf("KindOf(err) = %v, want TransientNetwork", errs.KindOf(err))
	}
}

func TestGuardOpensAfterConsecutiveFailures(t *testing.T) {
	g := NewGuard("test", 2)
	failing := errors.New("fail")

	_ = g.Do(context.Background(), "t1", func() error { return failing })
	_ = g.Do(context.Background(), "t1", func() error { return failing })

	if !g.Blocked() {
		t.Fatal("expected breaker to be open after threshold consecutive failures")
	}
}

func TestGuardReprogramDoesNotPanicAcrossQualities(t *testing.T) {
	g := NewGuard("test", 3)
	for _, q := range []model.NetworkQuality{model.QualityNormal, model.QualitySlow, model.QualityCzechTrain, model.QualityNormal} {
		g.Reprogram(q)
	}
}
