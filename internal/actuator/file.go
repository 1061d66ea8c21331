/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oran-energy/energy-saving-rapp/api/v1alpha1"
	"github.com/oran-energy/energy-saving-rapp/internal/config"
)

// FileSink writes each payload to <dir>/<unit>-<policy_id>.json.
// It is used for dry runs; nothing reaches the network.
type FileSink struct {
	dir string
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates the output directory and returns the sink.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: file_dir is required", config.ErrConfigInvalid)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating policy directory %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Name implements Sink.
func (s *FileSink) Name() string {
	return config.SinkFile
}

var unsafeFileChars = strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")

// Path returns the file a payload is written to.
func (s *FileSink) Path(p *v1alpha1.PolicyPayload) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", unsafeFileChars.Replace(p.ManagedUnitID), p.PolicyID))
}

// Send implements Sink. The file is written atomically.
func (s *FileSink) Send(ctx context.Context, p *v1alpha1.PolicyPayload) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %v", ErrSendFailed, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".policy-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(body, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(p)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Close implements Sink.
func (s *FileSink) Close() error {
	return nil
}
