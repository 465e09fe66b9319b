package ledger

import "testing"

func TestGate(t *testing.T) {
	lat, lng := 10.0, 20.0
	located := Conversation{Location: NewLocation(&lat, &lng)}
	active := &AiProfile{ID: "a", Status: AiActive, HasAvatar: true}

	cases := []struct {
		name string
		conv Conversation
		ai   *AiProfile
		want error
	}{
		{"ok coordinates", located, active, nil},
		{"ok country", Conversation{CountryCode: "FR"}, active, nil},
		{"no location", Conversation{}, active, ErrLocationRequired},
		{"blank country", Conversation{CountryCode: "  "}, active, ErrLocationRequired},
		{"half location", Conversation{Location: NewLocation(&lat, nil)}, active, ErrLocationRequired},
		{"no location beats missing ai", Conversation{}, nil, ErrLocationRequired},
		{"missing ai", located, nil, ErrAiNotFound},
		{"suspended", located, &AiProfile{Status: AiSuspended, HasAvatar: true}, ErrAiNotActive},
		{"rejected", located, &AiProfile{Status: AiRejected, HasAvatar: true}, ErrAiNotActive},
		{"inactive beats avatar", located, &AiProfile{Status: AiDisabled}, ErrAiNotActive},
		{"avatar pending", located, &AiProfile{Status: AiActive}, ErrAiAvatarPending},
	}
	for _, tc := range cases {
		if got := Gate(tc.conv, tc.ai); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
