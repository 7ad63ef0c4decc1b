// Package artifact turns a finished run into its on-disk proof: columnar
// trade and equity files, the result summary, the run manifest with its
// SHA-256 hash chain, and the pipeline signature a validator checks before
// trusting any of it.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"perpsim/engine"
	"perpsim/summary"
)

// Artifact file names inside a run directory.
const (
	ResultFile    = "result.json"
	TradesFile    = "trades.parquet"
	EquityFile    = "equity.parquet"
	ManifestFile  = "run_manifest.json"
	SignatureFile = "pipeline_signature.json"
	EventsFile    = "events.jsonl"
)

// PipelineName identifies the production artifact path. Validators reject
// artifacts signed by anything else.
const PipelineName = "perpsim.engine.replay"

// Manifest is run_manifest.json: the inputs fingerprint, the hash chain and
// the run's structured outcome.
type Manifest struct {
	EngineVersion    string `json:"engine_version"`
	PlayName         string `json:"play_name"`
	Symbol           string `json:"symbol"`
	Seed             int64  `json:"seed"`
	InputFingerprint string `json:"input_fingerprint"`
	PlayHash         string `json:"play_hash"`

	HashChain

	TerminalStop string `json:"terminal_stop"`

	Bars         int `json:"bars"`
	WarmupBars   int `json:"warmup_bars"`
	Trades       int `json:"trades"`
	EquityPoints int `json:"equity_points"`
	Events       int `json:"events"`

	LiquidationLossUSDT float64 `json:"liquidation_loss_usdt"`
}

// Signature is pipeline_signature.json.
type Signature struct {
	Pipeline      string   `json:"pipeline"`
	EngineVersion string   `json:"engine_version"`
	RunHash       string   `json:"run_hash"`
	Artifacts     []string `json:"artifacts"`
}

// WriteRun materializes every artifact for a finished run in dir and returns
// the manifest. inputFingerprint must be computed over the exact frames the
// run consumed.
func WriteRun(dir string, res *engine.Result, sum summary.Summary, inputFingerprint string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	playCanonical, err := CanonicalJSON(res.Play)
	if err != nil {
		return nil, fmt.Errorf("canonicalize play: %w", err)
	}
	playHash := sha256Hex(playCanonical)

	sumCanonical, err := CanonicalJSON(sum)
	if err != nil {
		return nil, fmt.Errorf("canonicalize summary: %w", err)
	}

	chain := HashChain{
		FullHash: FullHash(playCanonical, inputFingerprint, engine.Version),
	}
	if chain.TradesHash, err = TradesHash(res.Trades); err != nil {
		return nil, fmt.Errorf("trades hash: %w", err)
	}
	if chain.EquityHash, err = EquityHash(res.Equity); err != nil {
		return nil, fmt.Errorf("equity hash: %w", err)
	}
	chain.RunHash = RunHash(chain.FullHash, chain.TradesHash, chain.EquityHash, sumCanonical)

	if err := os.WriteFile(filepath.Join(dir, ResultFile), append(sumCanonical, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write result: %w", err)
	}
	if err := WriteTradesParquet(filepath.Join(dir, TradesFile), res.Trades); err != nil {
		return nil, err
	}
	if err := WriteEquityParquet(filepath.Join(dir, EquityFile), res.Equity); err != nil {
		return nil, err
	}
	if err := writeEvents(filepath.Join(dir, EventsFile), res); err != nil {
		return nil, err
	}

	m := &Manifest{
		EngineVersion:       engine.Version,
		PlayName:            res.Play.Name,
		Symbol:              res.Play.Symbol,
		Seed:                0, // the replay path has no randomness to seed
		InputFingerprint:    inputFingerprint,
		PlayHash:            playHash,
		HashChain:           chain,
		TerminalStop:        string(res.TerminalStop),
		Bars:                res.BarsProcessed,
		WarmupBars:          res.WarmupBars,
		Trades:              len(res.Trades),
		EquityPoints:        len(res.Equity),
		Events:              len(res.Events),
		LiquidationLossUSDT: res.LiquidationLossUSDT,
	}
	if err := writeCanonicalFile(filepath.Join(dir, ManifestFile), m); err != nil {
		return nil, err
	}

	sig := Signature{
		Pipeline:      PipelineName,
		EngineVersion: engine.Version,
		RunHash:       chain.RunHash,
		Artifacts:     []string{ResultFile, TradesFile, EquityFile, ManifestFile, EventsFile},
	}
	if err := writeCanonicalFile(filepath.Join(dir, SignatureFile), sig); err != nil {
		return nil, err
	}
	return m, nil
}

func writeCanonicalFile(path string, v any) error {
	data, err := CanonicalJSON(v)
	if err != nil {
		return fmt.Errorf("canonicalize %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeEvents streams the run's structured events as JSON lines.
func writeEvents(path string, res *engine.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create events file: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for i := range res.Events {
		if err := enc.Encode(&res.Events[i]); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return nil
}

// ReadManifest loads a run directory's manifest.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// ReadSignature loads a run directory's pipeline signature.
func ReadSignature(dir string) (*Signature, error) {
	data, err := os.ReadFile(filepath.Join(dir, SignatureFile))
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	var s Signature
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	return &s, nil
}
