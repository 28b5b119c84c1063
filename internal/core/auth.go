package core

import (
	"SettlementLedger/internal/settlement"
	"crypto/ed25519"
	"fmt"
)

// Caller is the party invoking an operation: the identity it claims, a
// detached ed25519 signature, and the request bytes that signature covers.
// Transports set Payload to the raw request body.
//
// The signature is never over Payload alone. It covers SigningMessage for the
// operation and the target the core is about to touch, so a signature for one
// wallet or batch does not authorize another.
type Caller struct {
	Identity  settlement.Pubkey
	Signature []byte
	Payload   []byte
}

// SigningMessage is the exact byte string a relayer signs:
//
//	op || '\n' || target || '\n' || payload
//
// op is one of the Entrypoint names. target is the batch id for the record
// entrypoints, the base58 wallet for init_user and StatusTarget for status.
func SigningMessage(op, target string, payload []byte) []byte {
	msg := make([]byte, 0, len(op)+len(target)+2+len(payload))
	msg = append(msg, op...)
	msg = append(msg, '\n')
	msg = append(msg, target...)
	msg = append(msg, '\n')
	return append(msg, payload...)
}

// StatusTarget binds a status update to both the batch and the new status.
func StatusTarget(batchID string, status settlement.Status) string {
	return batchID + "/" + status.String()
}

// SignCaller builds a Caller signed by priv for op on target.
func SignCaller(priv ed25519.PrivateKey, op, target string, payload []byte) Caller {
	var id settlement.Pubkey
	copy(id[:], priv.Public().(ed25519.PublicKey))
	return Caller{
		Identity:  id,
		Signature: ed25519.Sign(priv, SigningMessage(op, target, payload)),
		Payload:   payload,
	}
}

// authorize fails closed: a caller passes only with a valid signature by
// exactly the configured relayer over this op and target.
func authorize(c Caller, relayer settlement.Pubkey, op, target string) error {
	if len(c.Signature) == 0 {
		return settlement.ErrMissingSignature
	}
	if len(c.Signature) != ed25519.SignatureSize ||
		!ed25519.Verify(ed25519.PublicKey(c.Identity[:]), SigningMessage(op, target, c.Payload), c.Signature) {
		return fmt.Errorf("signature by %s does not cover %s %q: %w", c.Identity, op, target, settlement.ErrInvalidAuthority)
	}
	if c.Identity != relayer {
		return fmt.Errorf("signer %s is not the authorized relayer: %w", c.Identity, settlement.ErrInvalidAuthority)
	}
	return nil
}
