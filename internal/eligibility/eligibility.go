// Package eligibility gates participation behind an allow-list committed to
// as a keccak-256 merkle root. Leaves are keccak256(participant identity);
// sibling pairs are hashed in sorted order, so proofs carry no direction
// bits. A zero root disables gating entirely.
package eligibility

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tandemx/market-engine/internal/model"
)

// Gate verifies allow-list membership against a commitment root.
type Gate struct {
	root common.Hash
}

// NewGate creates a gate for the given commitment root. The zero root means
// no gating.
func NewGate(root common.Hash) *Gate {
	return &Gate{root: root}
}

// Root returns the commitment root.
func (g *Gate) Root() common.Hash { return g.root }

// Open reports whether the gate admits everyone.
func (g *Gate) Open() bool { return g.root == (common.Hash{}) }

// Verify checks that participant is a member of the committed allow-list.
// proof is the sibling path from the participant's leaf to the root.
func (g *Gate) Verify(participant string, proof []common.Hash) error {
	if g.Open() {
		return nil
	}
	node := Leaf(participant)
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	if node != g.root {
		return fmt.Errorf("%w: eligibility proof does not match commitment root", model.ErrInvariantBreach)
	}
	return nil
}

// Leaf computes the merkle leaf for a participant identity.
func Leaf(participant string) common.Hash {
	return crypto.Keccak256Hash([]byte(participant))
}

// hashPair hashes two nodes in sorted order, OpenZeppelin style.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// BuildRoot computes the commitment root for an allow-list. Odd nodes at any
// level are carried up unchanged. Used by tests and deployment tooling to
// produce roots and proofs consistent with Verify.
func BuildRoot(participants []string) common.Hash {
	if len(participants) == 0 {
		return common.Hash{}
	}
	level := make([]common.Hash, len(participants))
	for i, p := range participants {
		level[i] = Leaf(p)
	}
	for len(level) > 1 {
		var next []common.Hash
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}

// BuildProof computes the sibling path for one participant in an allow-list.
func BuildProof(participants []string, participant string) ([]common.Hash, error) {
	idx := -1
	level := make([]common.Hash, len(participants))
	for i, p := range participants {
		level[i] = Leaf(p)
		if p == participant {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s not in allow-list", model.ErrNotFound, participant)
	}

	var proof []common.Hash
	for len(level) > 1 {
		var next []common.Hash
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				if i == idx || i+1 == idx {
					if i == idx {
						proof = append(proof, level[i+1])
					} else {
						proof = append(proof, level[i])
					}
					idx = len(next)
				}
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				if i == idx {
					idx = len(next)
				}
				next = append(next, level[i])
			}
		}
		level = next
	}
	return proof, nil
}
