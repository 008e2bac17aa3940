package bgremover

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// ExecEngine pipes every image as PNG into an external command and decodes
// the command's stdout, e.g. `rembg i - -`.
type ExecEngine struct {
	log  zerolog.Logger
	name string
	args []string
}

// NewExecEngine returns ExecEngine running command. The first word of the
// command is the executable, the rest are arguments.
func NewExecEngine(l zerolog.Logger, command string) (*ExecEngine, error) {
	f := strings.Fields(command)
	if len(f) == 0 {
		return nil, errors.New("engine command is empty")
	}
	return &ExecEngine{
		log:  l.With().Str("component", "exec-engine").Logger(),
		name: f[0],
		args: f[1:],
	}, nil
}

// Transform implements interface Engine.
func (ee *ExecEngine) Transform(ctx context.Context, img image.Image) (image.Image, error) {

	in, err := Encode(img, FormatPNG)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, ee.name, ee.args...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		ee.log.Debug().Str("cmd", ee.name).Str("stderr", msg).Msg("command failed")
		if msg != "" {
			return nil, errors.New(ee.name + ": " + err.Error() + ": " + msg)
		}
		return nil, errors.New(ee.name + ": " + err.Error())
	}

	out, _, err := Decode(stdout.Bytes())
	if err != nil {
		return nil, errors.New(ee.name + " output: " + err.Error())
	}
	return out, nil
}
