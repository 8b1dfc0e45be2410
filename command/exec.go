package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/headless/protocol"
	"go.uber.org/zap"
)

const waitDelay = time.Second

// Exec runs args.command through the shell with the supervisor's privileges.
//
// Supported args.options: cwd (working directory), env (object of extra variables) and timeout (milliseconds, 0 for none).
// Results: error (null, or {message, code}), stdout and stderr.
type Exec struct {
	Shell string
	Log   *zap.SugaredLogger
}

func (e *Exec) Serve(ctx context.Context, host Host, args protocol.Args, respond Responder) {
	res := args.Clone()
	opts, _ := args["options"].(map[string]any)
	options := protocol.Args(opts)

	if timeout, ok := options["timeout"].(float64); ok && timeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Shell, "-c", args.String("command"))
	// Children left behind by the shell may hold the output pipes open.
	cmd.WaitDelay = waitDelay
	cmd.Dir = options.String("cwd")
	if env := options.Headers("env"); len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.Log.Debugw("running command", "Command", args.String("command"), "Dir", cmd.Dir)
	err := cmd.Run()
	res["error"] = execError(err)
	res["stdout"] = stdout.String()
	res["stderr"] = stderr.String()
	respond(res)
}

func execError(err error) any {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return map[string]any{
			"message": fmt.Sprintf("command failed: %s", exitErr),
			"code":    exitErr.ExitCode(),
		}
	}
	return map[string]any{"message": err.Error(), "code": nil}
}
