package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	chatsync "github.com/TeamWeeMo/WeeMo-sub001"
)

var (
	tailMetricsAddr string
	tailMarkRead    bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	tailCmd.Flags().BoolVar(&tailMarkRead, "mark-read", false, "mark the room read as new messages arrive")
}

var tailCmd = &cobra.Command{
	Use:   "tail <room-id>",
	Short: "Follow a room live",
	Long:  "Print the recent history of a room and then every new message as it arrives over the live stream. Stop with Ctrl-C.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(true)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if tailMetricsAddr != "" {
			srv := &http.Server{Addr: tailMetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error().Err(err).Str("addr", tailMetricsAddr).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		go func() {
			if err := s.engine.RunRetention(ctx, 6*time.Hour); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("retention stopped, stored history is no longer pruned")
			}
		}()

		conv, err := s.engine.Open(ctx, args[0])
		if err != nil {
			return err
		}

		if conn := s.engine.Connection(); conn != nil {
			go func() {
				last := chatsync.ConnState("")
				for st := range conn.SubscribeState(ctx) {
					if st.State == last {
						continue
					}
					last = st.State
					line := fmt.Sprintf("-- %s", st.State)
					if st.Degraded {
						line += " (live updates unavailable, still retrying)"
					}
					fmt.Println(line)
				}
			}()
		}

		seen := make(map[string]bool)
		var lastErr error
		for snap := range conv.Subscribe(ctx) {
			if snap.Err != nil && !errors.Is(snap.Err, lastErr) {
				fmt.Printf("-- refresh failed: %v\n", snap.Err)
			}
			lastErr = snap.Err

			printed := false
			for _, m := range snap.Messages {
				if m.Pending || seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				printMessage(m, s.cfg.Auth.UserID)
				printed = true
			}
			if printed && tailMarkRead {
				if err := conv.MarkRead(ctx); err != nil {
					s.log.Warn().Err(err).Msg("mark read failed")
				}
			}
		}
		return nil
	},
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
