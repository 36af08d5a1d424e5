package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/spf13/cobra"

	"github.com/damaface/consultoria/internal/consultoria"
	"github.com/damaface/consultoria/internal/logger"
	"github.com/damaface/consultoria/internal/queue"
	"github.com/damaface/consultoria/internal/session"
	"github.com/damaface/consultoria/internal/signaling"
)

type options struct {
	baseURL           string
	userID            string
	token             string
	agentType         string
	duration          time.Duration
	waitTimeout       time.Duration
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	recordPath        string
	logLevel          string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "consultclient: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "consultclient",
		Short:         "Queue for a consultation, open the avatar stream and hold it",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			logger.Init(opts.logLevel, "text")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "consultation API base URL")
	f.StringVar(&opts.userID, "user-id", "", "user id sent as X-User-ID (dev auth)")
	f.StringVar(&opts.token, "token", "", "bearer token (JWT auth)")
	f.StringVar(&opts.agentType, "agent-type", "consultora", "agent type to queue for")
	f.DurationVar(&opts.duration, "duration", time.Minute, "how long to hold the session (0 = until interrupted)")
	f.DurationVar(&opts.waitTimeout, "wait-timeout", 10*time.Minute, "give up if no slot is reserved in time")
	f.DurationVar(&opts.pollInterval, "poll-interval", consultoria.DefaultPollInterval, "queue status poll interval")
	f.DurationVar(&opts.heartbeatInterval, "heartbeat-interval", consultoria.DefaultHeartbeatInterval, "session heartbeat interval")
	f.StringVar(&opts.recordPath, "record", "", "write the first VP8 track to this IVF file")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "consultclient version 0.1.0")
		},
	})
	return cmd
}

func (o *options) validate() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return errors.New("base-url is required")
	}
	u, err := url.Parse(o.baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base-url must be an absolute http(s) URL, got %q", o.baseURL)
	}
	o.userID = strings.TrimSpace(o.userID)
	o.token = strings.TrimSpace(o.token)
	if o.userID == "" && o.token == "" {
		return errors.New("one of --user-id or --token is required")
	}
	if o.duration < 0 {
		return errors.New("duration must be >= 0")
	}
	if o.waitTimeout <= 0 {
		return errors.New("wait-timeout must be > 0")
	}
	if o.pollInterval < 100*time.Millisecond {
		return errors.New("poll-interval must be >= 100ms")
	}
	if o.heartbeatInterval < 100*time.Millisecond {
		return errors.New("heartbeat-interval must be >= 100ms")
	}
	return nil
}

func (o options) clientOptions() []consultoria.Option {
	var out []consultoria.Option
	if o.token != "" {
		out = append(out, consultoria.WithToken(o.token))
	}
	if o.userID != "" {
		out = append(out, consultoria.WithUserID(o.userID))
	}
	return out
}

func run(ctx context.Context, opts options) error {
	log := logger.Component("consultclient")
	client := consultoria.NewClient(opts.baseURL, opts.clientOptions()...)

	reserved, err := waitForSlot(ctx, client, opts)
	if err != nil {
		return err
	}
	log.WithField("agent_type", reserved.AgentType).Info("slot reserved")

	ended := make(chan string, 1)
	keeper := consultoria.NewSessionKeeper(client, opts.heartbeatInterval)
	keeper.OnSessionEnd = func(s *session.Session, reason string) {
		ended <- reason
	}
	keeper.OnError = func(err error) {
		log.WithError(err).Warn("heartbeat failed")
	}
	started, err := keeper.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	sess := started.Session
	log.WithField("session_id", sess.ID).
		WithField("provider", started.HeyGenData.Provider).
		Info("session started")
	defer func() {
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := keeper.Terminate(termCtx); err != nil {
			log.WithError(err).Warn("terminate failed")
		}
	}()

	peer, err := signaling.NewPionPeer(started.HeyGenData.ICEServers)
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	peer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.WithField("state", s.String()).Info("peer connection state")
	})
	if opts.recordPath != "" {
		peer.OnTrack(recordVP8(opts.recordPath))
	}

	bridge := signaling.NewBridge(peer)
	bridge.OnError = func(err error) {
		log.WithError(err).Warn("signaling error")
	}
	bridge.OnClose = func(reason string) {
		log.WithField("reason", reason).Info("signaling closed")
	}
	defer bridge.Close()

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	wsURL, err := client.SignalingURL(sess.ID)
	if err != nil {
		return err
	}
	if err := bridge.Connect(ctx, wsURL, nil); err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-ctx.Done():
		log.Info("interrupted")
	case <-deadline:
		log.Info("duration elapsed")
	case reason := <-ended:
		log.WithField("reason", reason).Info("session ended by server")
	case <-bridge.Done():
		log.Info("signaling finished")
	}
	return nil
}

// waitForSlot joins the queue and blocks until a slot is reserved.
func waitForSlot(ctx context.Context, client *consultoria.Client, opts options) (queue.Entry, error) {
	log := logger.Component("consultclient")
	ctx, cancel := context.WithTimeout(ctx, opts.waitTimeout)
	defer cancel()

	reservedCh := make(chan queue.Entry, 1)
	poller := consultoria.NewQueuePoller(client, opts.pollInterval)
	poller.OnUpdate = func(e queue.Entry) {
		log.WithField("status", e.Status).
			WithField("position", e.Position).
			WithField("estimated_wait_time", e.EstimatedWaitTime).
			Info("queue update")
	}
	poller.OnReserved = func(e queue.Entry) {
		reservedCh <- e
	}
	poller.OnError = func(err error) {
		log.WithError(err).Warn("queue poll failed")
	}

	entry, err := poller.Join(ctx, opts.agentType)
	if err != nil {
		if consultoria.IsCooldown(err) {
			var apiErr *consultoria.APIError
			if errors.As(err, &apiErr) {
				return queue.Entry{}, fmt.Errorf("cooldown active, retry in %ds", apiErr.RetryAfter)
			}
		}
		return queue.Entry{}, fmt.Errorf("join queue: %w", err)
	}
	if entry.Status == queue.StatusReserved {
		return entry, nil
	}

	select {
	case e := <-reservedCh:
		return e, nil
	case <-ctx.Done():
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		if err := poller.Leave(leaveCtx); err != nil {
			log.WithError(err).Warn("leave queue failed")
		}
		return queue.Entry{}, fmt.Errorf("waiting for a slot: %w", ctx.Err())
	}
}

// recordVP8 writes the first VP8 track it sees to path and ignores the rest.
func recordVP8(path string) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	log := logger.Component("record")
	claimed := make(chan struct{}, 1)
	return func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeVP8) {
			return
		}
		select {
		case claimed <- struct{}{}:
		default:
			return
		}
		w, err := ivfwriter.New(path)
		if err != nil {
			log.WithError(err).Error("open ivf file")
			return
		}
		defer w.Close()
		log.WithField("path", path).Info("recording video track")
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if err := w.WriteRTP(pkt); err != nil {
				log.WithError(err).Warn("ivf write failed")
				return
			}
		}
	}
}
