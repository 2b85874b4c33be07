package forwarder

import (
	"log/slog"

	"github.com/TheusHen/hopsec/hopsec/routing"
)

// forwarder relays every message it receives along route. The return route is
// left as is, so replies bypass the forwarder.
type forwarder struct {
	addr   routing.Address
	route  routing.Route
	static bool
	logger *slog.Logger
	onStop func(*forwarder)
}

func (f *forwarder) HandleMessage(ctx *routing.Context, msg *routing.Message) error {
	next := msg.Clone()
	next.OnwardRoute = f.route.Concat(msg.OnwardRoute)
	next.Destination = routing.Address{}
	if err := ctx.SendMessage(next); err != nil {
		f.logger.Debug("cannot forward", "route", next.OnwardRoute.String(), "err", err)
		return err
	}
	return nil
}

func (f *forwarder) Shutdown(*routing.Context) error {
	if f.onStop != nil {
		f.onStop(f)
	}
	return nil
}
