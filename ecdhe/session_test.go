package ecdhe

import "testing"

func TestHandshakeIsAFunction(t *testing.T) {
	agent, err := New("p256")
	if err != nil {
		t.Fatal(err)
	}
	server, err := New("p256")
	if err != nil {
		t.Fatal(err)
	}

	salt, err := agent.Link(server.PublicKey(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := server.Link(agent.PublicKey(), salt); err != nil {
		t.Fatal(err)
	}

	if string(agent.sessionKey) != string(server.sessionKey) {
		t.Fatal("session keys differ for identical (ephemeral, ephemeral, salt) triple")
	}
	if string(agent.challengeKey) != string(server.challengeKey) {
		t.Fatal("challenge keys differ")
	}

	agentID, err := agent.GenerateSessionID(salt)
	if err != nil {
		t.Fatal(err)
	}
	serverID, err := server.GenerateSessionID(salt)
	if err != nil {
		t.Fatal(err)
	}
	if string(agentID) != string(serverID) {
		t.Fatal("session ids differ")
	}
	if len(agentID) != SessionIDSize {
		t.Fatalf("session id size = %d, want %d", len(agentID), SessionIDSize)
	}
}

func TestDistinctTriplesYieldDistinctKeys(t *testing.T) {
	a1, _ := New("p256")
	b1, _ := New("p256")
	salt1, _ := a1.Link(b1.PublicKey(), nil)

	a2, _ := New("p256")
	b2, _ := New("p256")
	salt2, _ := a2.Link(b2.PublicKey(), salt1)

	if string(a1.sessionKey) == string(a2.sessionKey) {
		t.Fatal("distinct ephemeral pairs produced identical session keys")
	}
	_ = salt2
}

func TestEnvelopeRoundTrip(t *testing.T) {
	a, _ := New("p256")
	b, _ := New("p256")
	salt, _ := a.Link(b.PublicKey(), nil)
	b.Link(a.PublicKey(), salt)

	plaintext := []byte("hello ntp")
	env, err := a.Envelope(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.Deenvelope(env)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q want %q", got, plaintext)
	}

	env2, _ := a.Envelope(plaintext)
	if string(env.Ciphertext) == string(env2.Ciphertext) {
		t.Fatal("identical plaintexts must not produce identical ciphertexts under fresh IVs")
	}
}

func TestEnvelopeTamperDetected(t *testing.T) {
	a, _ := New("p256")
	b, _ := New("p256")
	salt, _ := a.Link(b.PublicKey(), nil)
	b.Link(a.PublicKey(), salt)

	env, _ := a.Envelope([]byte("payload"))
	env.Ciphertext[0] ^= 0xFF
	if _, err := b.Deenvelope(env); err == nil {
		t.Fatal("tampered ciphertext must not decrypt successfully")
	}
}

func TestChallengeDance(t *testing.T) {
	server, _ := New("p256")
	agent, _ := New("p256")
	salt, _ := server.Link(agent.PublicKey(), nil)
	agent.Link(server.PublicKey(), salt)

	control, challenge, err := server.GenerateChallenge(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	recovered, response, err := agent.VerifyChallenge(challenge)
	if err != nil {
		t.Fatal(err)
	}
	if string(recovered) != string(control) {
		t.Fatal("agent recovered a different control value than the server generated")
	}
	ok, err := server.ConfirmChallenge(response, control)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("confirm_challenge should succeed for a faithfully re-encrypted response")
	}

	// a response that does not match the original control must fail.
	ok2, err := server.ConfirmChallenge(response, []byte("wrong control value!"))
	if err != nil {
		t.Fatal(err)
	}
	if ok2 {
		t.Fatal("confirm_challenge must not succeed against the wrong control")
	}
}

func TestVerifyChallengeRequiresSalt(t *testing.T) {
	s, _ := New("p256")
	p, _ := New("p256")
	salt, _ := s.Link(p.PublicKey(), nil)
	s.RegenerateKeys(salt)

	bad := &Challenge{Envelope: Envelope{IV: make([]byte, IVSize), Ciphertext: make([]byte, 16)}}
	if _, _, err := s.VerifyChallenge(bad); err != ErrChallengeMissingSalt {
		t.Fatalf("expected ErrChallengeMissingSalt, got %v", err)
	}
}

func TestRevivedSessionMatchesSchedule(t *testing.T) {
	a, _ := New("p256")
	b, _ := New("p256")
	salt, _ := a.Link(b.PublicKey(), nil)
	b.Link(a.PublicKey(), salt)

	revived, err := NewRevived(a.secret, salt)
	if err != nil {
		t.Fatal(err)
	}
	if string(revived.sessionKey) != string(a.sessionKey) {
		t.Fatal("revived session key schedule diverged from the original")
	}
}
