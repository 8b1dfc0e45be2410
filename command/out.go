package command

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/guseggert/headless/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Out delivers worker output to whoever is waiting on the container's output slot.
//
// Without args.stream, the args themselves are delivered. With args.stream, args.data names a file which is sent as a start marker carrying its size, base64 data markers throttled to Rate bytes per second, and an end marker.
type Out struct {
	Rate      int
	ChunkSize int
	Log       *zap.SugaredLogger
}

func (o *Out) Serve(ctx context.Context, host Host, args protocol.Args, respond Responder) {
	slot := host.Output()
	if !args.Bool("stream") {
		if !slot.Deliver(args.Clone()) {
			o.Log.Debug("out without a pending callback, nothing delivered")
		}
		respond(args.Clone())
		return
	}

	st, err := slot.BeginStream()
	if errors.Is(err, ErrStreamActive) {
		res := args.Clone()
		res["error"] = err.Error()
		respond(res)
		return
	}
	if err != nil {
		o.Log.Debug("stream requested without a pending callback, nothing delivered")
		respond(args.Clone())
		return
	}

	filePath := args.String("data")
	info, err := os.Stat(filePath)
	if err != nil {
		st.Abort()
		o.Log.Debugf("error stating %s: %s", filePath, err)
		host.Forward(protocol.NewNotice(nil, "Could not retrieve file "+filePath, -1))
		respond(args.Clone())
		return
	}

	host.Forward(protocol.NewNotice(nil, fmt.Sprintf("Streaming %d bytes of data at %s", info.Size(), o.rateDescription()), -1))
	st.Send(protocol.Args{"stream": "start", "type": args["type"], "size": info.Size()})

	res := args.Clone()
	if err := o.stream(ctx, filePath, st); err != nil {
		o.Log.Debugf("error streaming %s: %s", filePath, err)
		res["error"] = err.Error()
	}
	st.End()
	host.Forward(protocol.NewNotice(nil, protocol.NoticeStreamEnd, -1))
	respond(res)
}

func (o *Out) rateDescription() string {
	if o.Rate <= 0 {
		return "unlimited bytes per second"
	}
	return fmt.Sprintf("%d bytes per second", o.Rate)
}

func (o *Out) stream(ctx context.Context, filePath string, st *Stream) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	chunk := o.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	limit := rate.Inf
	if o.Rate > 0 {
		limit = rate.Limit(o.Rate)
		if o.Rate < chunk {
			chunk = o.Rate
		}
	}
	limiter := rate.NewLimiter(limit, chunk)

	buf := make([]byte, chunk)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := limiter.WaitN(ctx, n); werr != nil {
				return werr
			}
			st.Send(protocol.Args{"stream": "data", "data": base64.StdEncoding.EncodeToString(buf[:n])})
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
