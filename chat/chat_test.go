package chat

import (
	"testing"
)

func TestTokenRotatedMatchesAccountOnly(t *testing.T) {
	b := NewBot(nil, "BotAccount", []string{"main"})

	b.TokenRotated("someoneelse", "tok")
	select {
	case <-b.rotated:
		t.Fatal("rotation for another account should not trigger a reconnect")
	default:
	}

	// Case-insensitive match on the bot's own account.
	b.TokenRotated("botaccount", "tok")
	select {
	case <-b.rotated:
	default:
		t.Fatal("rotation for the bot account should signal a reconnect")
	}
}

func TestTokenRotatedNeverBlocks(t *testing.T) {
	b := NewBot(nil, "bot", nil)
	// The signal channel has capacity 1; repeated rotations coalesce.
	for i := 0; i < 5; i++ {
		b.TokenRotated("bot", "tok")
	}
	<-b.rotated
	select {
	case <-b.rotated:
		t.Fatal("coalesced rotations should leave at most one pending signal")
	default:
	}
}
