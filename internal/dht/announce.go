package dht

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/combsync/pkg/constants"
	"github.com/WebFirstLanguage/combsync/pkg/transport/broadcast"
	"github.com/WebFirstLanguage/combsync/pkg/wire"
)

// openAnnouncer binds the LAN announcement socket
func (d *DHT) openAnnouncer() (*broadcast.Conn, error) {
	addr := d.config.AnnounceAddr
	if addr == "" {
		addr = ":" + strconv.Itoa(d.config.AnnouncePort)
	}

	conn, err := broadcast.Listen(addr)
	if err != nil {
		return nil, err
	}
	conn.SetPort(d.config.AnnouncePort)
	if len(d.config.AnnounceTargets) > 0 {
		conn.SetTargets(d.config.AnnounceTargets)
	}
	return conn, nil
}

// announcement encodes the self contact for broadcast
func (d *DHT) announcement() ([]byte, error) {
	self := d.Self()
	ep, err := self.Primary()
	if err != nil {
		return nil, err
	}

	env, err := wire.NewEnvelope(constants.KindAnnounce, self, 0, &wire.AnnounceBody{Port: uint16(ep.Port)})
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

// announceLoop broadcasts the self contact every AnnounceInterval
func (d *DHT) announceLoop(ctx context.Context, conn *broadcast.Conn) {
	ticker := d.clock.Ticker(d.config.AnnounceInterval)
	defer ticker.Stop()

	for {
		payload, err := d.announcement()
		if err == nil {
			err = conn.Broadcast(payload)
		}
		if err != nil && ctx.Err() == nil {
			d.logger.Debug("Announcement failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// receiveLoop handles announcements from other nodes until ctx is done
func (d *DHT) receiveLoop(ctx context.Context, conn *broadcast.Conn) {
	for {
		dg, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Debug("Announcement receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.handleAnnouncement(ctx, dg); err != nil {
				d.logger.Debug("Ignored announcement",
					zap.String("from", dg.From.String()),
					zap.Error(err))
			}
		}()
	}
}

// handleAnnouncement pings an announcing node that is not yet known. The PING
// adds it to the routing table on success.
func (d *DHT) handleAnnouncement(ctx context.Context, dg broadcast.Datagram) error {
	var env wire.Envelope
	if err := env.Unmarshal(dg.Payload); err != nil {
		return fmt.Errorf("failed to decode announcement: %w", err)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Kind != constants.KindAnnounce {
		return fmt.Errorf("unexpected %s datagram", wire.KindName(env.Kind))
	}

	sender, err := env.Sender()
	if err != nil {
		return err
	}
	if sender.ID == d.config.ID {
		return nil
	}
	if d.table.Get(sender.ID) != nil {
		return nil
	}

	var body wire.AnnounceBody
	if err := env.DecodeBody(&body); err != nil {
		return err
	}
	if body.Port == 0 || dg.From == nil {
		return fmt.Errorf("announcement without port")
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.RPCTimeout)
	defer cancel()

	if _, rerr := d.client.Ping(ctx, dg.From.IP.String(), int(body.Port)); rerr != nil {
		return rerr
	}
	d.logger.Debug("Discovered node on LAN",
		zap.Stringer("id", sender.ID),
		zap.String("from", dg.From.String()))
	return nil
}
