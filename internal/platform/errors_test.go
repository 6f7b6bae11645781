package platform

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorMatchesKindSentinel(testContext *testing.T) {
	err := fmt.Errorf("sync: %w", &Error{Kind: KindRateLimited, Platform: YouTube, Op: "videos.list", StatusCode: 429, RetryAfter: 30 * time.Second})

	if !errors.Is(err, ErrRateLimited) {
		testContext.Fatalf("expected rate limited sentinel match")
	}
	if errors.Is(err, ErrTransientNetwork) {
		testContext.Fatalf("did not expect transient sentinel match")
	}
	if kind, ok := KindOf(err); !ok || kind != KindRateLimited {
		testContext.Fatalf("unexpected kind %q %v", kind, ok)
	}
	if RetryAfterOf(err) != 30*time.Second {
		testContext.Fatalf("unexpected retry hint %s", RetryAfterOf(err))
	}
	if RetryAfterOf(errors.New("plain")) != 0 {
		testContext.Fatalf("expected no retry hint for unclassified error")
	}
}
