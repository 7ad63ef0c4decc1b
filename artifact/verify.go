package artifact

import (
	"fmt"
)

// HashMismatch reports the first differing link between two run manifests.
type HashMismatch struct {
	Which string
	A, B  string
}

func (e *HashMismatch) Error() string {
	return fmt.Sprintf("hash mismatch at %s: %s vs %s", e.Which, e.A, e.B)
}

// Verify compares two run directories link by link. Identical inputs and
// engine version must verify clean; anything else names the first broken
// link.
func Verify(dirA, dirB string) error {
	ma, err := ReadManifest(dirA)
	if err != nil {
		return err
	}
	mb, err := ReadManifest(dirB)
	if err != nil {
		return err
	}

	sa, err := ReadSignature(dirA)
	if err != nil {
		return err
	}
	sb, err := ReadSignature(dirB)
	if err != nil {
		return err
	}
	if sa.Pipeline != PipelineName {
		return fmt.Errorf("%s: artifact produced by %q, not the production pipeline", dirA, sa.Pipeline)
	}
	if sb.Pipeline != PipelineName {
		return fmt.Errorf("%s: artifact produced by %q, not the production pipeline", dirB, sb.Pipeline)
	}

	if ma.EngineVersion != mb.EngineVersion {
		return &HashMismatch{Which: "engine_version", A: ma.EngineVersion, B: mb.EngineVersion}
	}
	checks := []struct {
		which string
		a, b  string
	}{
		{"full_hash", ma.FullHash, mb.FullHash},
		{"trades_hash", ma.TradesHash, mb.TradesHash},
		{"equity_hash", ma.EquityHash, mb.EquityHash},
		{"run_hash", ma.RunHash, mb.RunHash},
	}
	for _, c := range checks {
		if c.a != c.b {
			return &HashMismatch{Which: c.which, A: c.a, B: c.b}
		}
	}
	return nil
}
