package pool

import (
	"testing"

	"github.com/sora2api/sora-proxy/internal/storage/pg"
)

func TestLimiterUntrackedIsUnbounded(t *testing.T) {
	limiter := NewLimiter()

	if !limiter.CanUseImage(1) || !limiter.CanUseVideo(1) {
		t.Fatal("untracked id should pass both checks")
	}
	for i := 0; i < 100; i++ {
		if !limiter.AcquireImage(1) || !limiter.AcquireVideo(1) {
			t.Fatal("untracked acquire should always succeed")
		}
	}
	limiter.ReleaseImage(1)
	limiter.ReleaseVideo(1)
	if _, tracked := limiter.ImageRemaining(1); tracked {
		t.Fatal("release must not start tracking an unbounded id")
	}
}

func TestLimiterSeedSkipsUnboundedCeilings(t *testing.T) {
	limiter := NewLimiter()
	limiter.Seed([]pg.Credential{
		{ID: 1, ImageConcurrency: 2, VideoConcurrency: -1},
		{ID: 2, ImageConcurrency: 0, VideoConcurrency: 1},
	})

	if remaining, tracked := limiter.ImageRemaining(1); !tracked || remaining != 2 {
		t.Fatalf("image(1) = %d tracked=%v, want 2 tracked", remaining, tracked)
	}
	if _, tracked := limiter.VideoRemaining(1); tracked {
		t.Fatal("ceiling -1 should stay untracked")
	}
	if _, tracked := limiter.ImageRemaining(2); tracked {
		t.Fatal("ceiling 0 should stay untracked")
	}
	if remaining, tracked := limiter.VideoRemaining(2); !tracked || remaining != 1 {
		t.Fatalf("video(2) = %d tracked=%v, want 1 tracked", remaining, tracked)
	}
}

func TestLimiterAcquireRelease(t *testing.T) {
	limiter := NewLimiter()
	limiter.Seed([]pg.Credential{{ID: 5, ImageConcurrency: 2}})

	if !limiter.AcquireImage(5) || !limiter.AcquireImage(5) {
		t.Fatal("both slots should be acquirable")
	}
	if limiter.CanUseImage(5) {
		t.Fatal("exhausted id should fail the check")
	}
	if limiter.AcquireImage(5) {
		t.Fatal("acquire past the ceiling should fail")
	}

	limiter.ReleaseImage(5)
	if !limiter.CanUseImage(5) {
		t.Fatal("released slot should pass the check")
	}
	if !limiter.AcquireImage(5) {
		t.Fatal("released slot should be acquirable")
	}
}

func TestLimiterReset(t *testing.T) {
	limiter := NewLimiter()
	limiter.Seed([]pg.Credential{{ID: 9, ImageConcurrency: 1, VideoConcurrency: 3}})
	limiter.AcquireVideo(9)

	limiter.Reset(9, 5, -1)
	if remaining, tracked := limiter.ImageRemaining(9); !tracked || remaining != 5 {
		t.Fatalf("image(9) = %d tracked=%v, want 5 tracked", remaining, tracked)
	}
	if _, tracked := limiter.VideoRemaining(9); tracked {
		t.Fatal("reset to -1 should untrack the video counter")
	}
}

func TestLimiterForget(t *testing.T) {
	limiter := NewLimiter()
	limiter.Seed([]pg.Credential{{ID: 3, ImageConcurrency: 1, VideoConcurrency: 1}})

	limiter.Forget(3)
	if _, tracked := limiter.ImageRemaining(3); tracked {
		t.Fatal("forgotten id should be untracked")
	}
	if !limiter.CanUseVideo(3) {
		t.Fatal("forgotten id should pass checks")
	}
}
