//go:build integration

package integration

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
	"github.com/eliteGoblin/focusd/trackd/internal/infra"
	"github.com/eliteGoblin/focusd/trackd/internal/ipc"
)

var _ = Describe("Daemon resilience", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(fastConfig)
	})

	Context("after a crash", func() {
		It("resumes the open session", func() {
			started := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
			crashed := &domain.StateDocument{
				Version: domain.StateVersion,
				Daemon:  domain.DaemonMetadata{PID: 999999, LifecycleState: domain.LifecycleRunning},
				Session: &domain.TrackingSession{ID: "s-1", TaskName: "Writing", StartTime: started},
			}
			Expect(infra.NewStateFile(h.paths.DataDir).Save(crashed)).To(Succeed())

			h.start()

			var cur ipc.SessionResult
			Expect(h.call("current", nil, &cur)).To(Succeed())
			Expect(cur.Session).NotTo(BeNil())
			Expect(cur.Session.ID).To(Equal("s-1"))
			Expect(cur.Session.StartTime.Equal(started)).To(BeTrue())

			var st ipc.StatusResult
			Expect(h.call("status", nil, &st)).To(Succeed())
			Expect(st.PID).To(Equal(os.Getpid()))
		})

		It("quarantines an unreadable state file and starts empty", func() {
			Expect(os.MkdirAll(h.paths.DataDir, 0700)).To(Succeed())
			statePath := infra.NewStateFile(h.paths.DataDir).Path()
			Expect(os.WriteFile(statePath, []byte("{not json"), 0600)).To(Succeed())

			h.start()

			var cur ipc.SessionResult
			Expect(h.call("current", nil, &cur)).To(Succeed())
			Expect(cur.Session).To(BeNil())

			matches, err := filepath.Glob(statePath + ".corrupt*")
			Expect(err).NotTo(HaveOccurred())
			Expect(matches).NotTo(BeEmpty())
		})
	})

	Context("with an oversized request", func() {
		It("answers with an error and keeps the connection", func() {
			h.start()

			conn, err := net.Dial("unix", h.paths.SocketPath)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			Expect(conn.SetDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

			big := `{"id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", ipc.MaxMessageSize) + `"}}` + "\n"
			_, err = conn.Write([]byte(big))
			Expect(err).NotTo(HaveOccurred())

			buf := make([]byte, 4096)
			n, err := conn.Read(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(buf[:n])).To(ContainSubstring(`"code":-32000`))

			_, err = conn.Write([]byte(`{"id":2,"method":"ping"}` + "\n"))
			Expect(err).NotTo(HaveOccurred())
			n, err = conn.Read(buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(buf[:n])).To(ContainSubstring(`"pong"`))

			Expect(h.ping()).To(Succeed(), "other clients are unaffected")
		})
	})

	Context("when a second daemon starts", func() {
		It("refuses to bind the live socket", func() {
			h.start()

			second := newHarness(fastConfig)
			second.paths.SocketPath = h.paths.SocketPath
			second.build()
			DeferCleanup(second.rules.Close)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := second.daemon.Run(ctx)
			Expect(err).To(MatchError(domain.ErrChannelBindFailed))

			Expect(h.ping()).To(Succeed(), "the first daemon keeps serving")
		})
	})
})
