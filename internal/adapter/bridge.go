package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// maxBridgeLine caps one bridge response. Predictions are small; a giant
// line means the bridge is misbehaving.
const maxBridgeLine = 16 << 20

var ErrBridgeDown = errors.New("bridge process is not running")

// bridgeRequest and bridgeResponse are the newline-delimited JSON protocol
// spoken with the python bridge over its stdin/stdout.
type bridgeRequest struct {
	Data any `json:"data"`
}

type bridgeResponse struct {
	Status     string `json:"status,omitempty"`
	ModelType  string `json:"model_type,omitempty"`
	Prediction any    `json:"prediction,omitempty"`
	Error      string `json:"error,omitempty"`
	Type       string `json:"type,omitempty"`
}

// Bridge is a live python process holding one loaded model. The model loads
// once at startup and stays resident, so every request after the first pays
// only the prediction cost.
type Bridge struct {
	logger    *slog.Logger
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	modelType string

	mu     sync.Mutex
	broken bool
}

// StartBridge launches the bridge script against the model at modelPath and
// waits for its ready handshake. ctx bounds only the handshake; the process
// itself lives until Close. A model that fails to deserialize is reported
// through the handshake, not by process death.
func StartBridge(ctx context.Context, logger *slog.Logger, pythonBin, script, modelPath, framework string) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(pythonBin, script, modelPath, framework)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start bridge: %w", err)
	}

	b := &Bridge{
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64<<10),
	}

	ready, err := b.handshake(ctx)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("bridge handshake: %w", err)
	}
	if ready.Status != "ready" {
		b.Close()
		return nil, &PredictionError{Kind: KindLoadError, Message: ready.Error}
	}
	b.modelType = ready.ModelType
	logger.Info("bridge ready", "model_type", ready.ModelType, "framework", framework)
	return b, nil
}

// handshake waits for the bridge's startup line without tying the process
// lifetime to ctx. On timeout the half-started process is abandoned to the
// caller's Close.
func (b *Bridge) handshake(ctx context.Context) (bridgeResponse, error) {
	type outcome struct {
		resp bridgeResponse
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := b.readResponse()
		ch <- outcome{resp: resp, err: err}
	}()
	select {
	case <-ctx.Done():
		return bridgeResponse{}, ctx.Err()
	case out := <-ch:
		return out.resp, out.err
	}
}

func (b *Bridge) ModelType() string {
	return b.modelType
}

// Alive reports whether the bridge can still serve. A bridge that ever
// failed mid-exchange stays dead; the caller replaces it.
func (b *Bridge) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.broken && b.cmd.ProcessState == nil
}

// Predict runs one exchange with the bridge. Exchanges are serialized; the
// protocol has no request ids, so responses must pair with requests in
// order.
func (b *Bridge) Predict(data any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return nil, ErrBridgeDown
	}

	payload, err := json.Marshal(bridgeRequest{Data: data})
	if err != nil {
		return nil, &PredictionError{Kind: KindPayloadError, Message: err.Error()}
	}
	if _, err := b.stdin.Write(append(payload, '\n')); err != nil {
		b.broken = true
		return nil, fmt.Errorf("%w: %v", ErrBridgeDown, err)
	}

	resp, err := b.readResponse()
	if err != nil {
		b.broken = true
		return nil, fmt.Errorf("%w: %v", ErrBridgeDown, err)
	}
	if resp.Error != "" {
		return nil, &PredictionError{Kind: KindPredictError, Message: resp.Error, Detail: resp.Type}
	}
	return resp.Prediction, nil
}

func (b *Bridge) readResponse() (bridgeResponse, error) {
	line, err := b.stdout.ReadBytes('\n')
	if err != nil {
		return bridgeResponse{}, err
	}
	if len(line) > maxBridgeLine {
		return bridgeResponse{}, errors.New("bridge response too large")
	}
	var resp bridgeResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return bridgeResponse{}, fmt.Errorf("malformed bridge response: %w", err)
	}
	return resp, nil
}

// Close shuts the bridge down. Closing stdin lets the script exit its read
// loop on its own before the process is reaped.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.broken = true
	b.mu.Unlock()

	b.stdin.Close()
	if b.cmd.Process != nil {
		b.cmd.Process.Kill()
	}
	return b.cmd.Wait()
}
