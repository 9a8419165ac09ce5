//go:build integration

package integration

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
	"github.com/eliteGoblin/focusd/trackd/internal/ipc"
	"github.com/eliteGoblin/focusd/trackd/internal/usecase"
)

var _ = Describe("Tracking daemon", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(fastConfig)
	})

	Describe("manual tracking", func() {
		It("starts, reports and stops a session", func() {
			h.start()

			var started ipc.SessionResult
			Expect(h.call("start", ipc.TaskParams{TaskTemplate: domain.TaskTemplate{TaskName: "Dev"}}, &started)).To(Succeed())
			Expect(started.Session).NotTo(BeNil())

			var st ipc.StatusResult
			Expect(h.call("status", nil, &st)).To(Succeed())
			Expect(st.State).To(Equal(domain.LifecycleRunning))
			Expect(st.Session).NotTo(BeNil())
			Expect(st.Session.TaskName).To(Equal("Dev"))
			Expect(st.Session.IdleSeconds).To(BeZero())

			var stopped ipc.SessionResult
			Expect(h.call("stop", nil, &stopped)).To(Succeed())
			Expect(stopped.Entry).NotTo(BeNil())
			Expect(stopped.Entry.ID).To(Equal(started.Session.ID))

			var cur ipc.SessionResult
			Expect(h.call("current", nil, &cur)).To(Succeed())
			Expect(cur.Session).To(BeNil())

			entries, err := h.entries.List(time.Time{}, time.Now().Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].TaskName).To(Equal("Dev"))
		})

		It("rejects stop without a session", func() {
			h.start()
			err := h.call("stop", nil, nil)
			Expect(err).To(MatchError(domain.ErrNoActiveSession))
		})
	})

	Describe("rule suggestions", func() {
		var rule domain.Rule

		BeforeEach(func() {
			rule = domain.Rule{
				ID:         "rule-vscode",
				Pattern:    "vscode",
				Task:       domain.TaskTemplate{TaskName: "Development"},
				Enabled:    true,
				Learned:    true,
				Confidence: 0.5,
				CreatedAt:  time.Now(),
			}
			h.seedRule(rule)
		})

		It("suggests instead of switching, and switches on accept", func() {
			h.start()
			events := h.subscribe()

			h.window.Focus("vscode")
			ev := nextEvent(events, domain.EventSuggestSwitch)
			Expect(ev.Rule).NotTo(BeNil())
			Expect(ev.Rule.ID).To(Equal(rule.ID))
			Expect(ev.RequiresDecision).To(BeTrue())

			var cur ipc.SessionResult
			Expect(h.call("current", nil, &cur)).To(Succeed())
			Expect(cur.Session).To(BeNil(), "a suggestion does not touch the session")

			var res usecase.Resolution
			Expect(h.call("resolveEvent", ipc.ResolveParams{EventID: ev.ID, Decision: domain.DecisionAccept}, &res)).To(Succeed())
			Expect(res.Session).NotTo(BeNil())
			Expect(res.Session.TaskName).To(Equal("Development"))
			Expect(res.Session.SourceRuleID).To(Equal(rule.ID))
			Expect(res.Rule).NotTo(BeNil())
			Expect(res.Rule.Confidence).To(BeNumerically(">", rule.Confidence))

			var list struct {
				Rules []domain.Rule `json:"rules"`
			}
			Expect(h.call("listRules", nil, &list)).To(Succeed())
			Expect(list.Rules).To(HaveLen(1))
			Expect(list.Rules[0].Confidence).To(Equal(res.Rule.Confidence))
		})

		It("does not resolve the same suggestion twice", func() {
			h.start()
			events := h.subscribe()

			h.window.Focus("vscode")
			ev := nextEvent(events, domain.EventSuggestSwitch)

			Expect(h.call("resolveEvent", ipc.ResolveParams{EventID: ev.ID, Decision: domain.DecisionReject}, nil)).To(Succeed())
			err := h.call("resolveEvent", ipc.ResolveParams{EventID: ev.ID, Decision: domain.DecisionAccept}, nil)
			Expect(err).To(MatchError(domain.ErrEventNotFound))
		})
	})

	Describe("idle detection", func() {
		It("emits idle_entered once per threshold crossing", func() {
			h.start()
			events := h.subscribe()

			h.idle.Set(400)
			entered := nextEvent(events, domain.EventIdleEntered)
			Expect(entered.IdleWindow).NotTo(BeNil())

			Expect(countEvents(events, domain.EventIdleEntered, 2500*time.Millisecond)).To(BeZero(),
				"staying idle does not repeat the event")

			h.idle.Set(0)
			nextEvent(events, domain.EventIdleExited)

			h.idle.Set(500)
			nextEvent(events, domain.EventIdleEntered)
		})

		It("holds idle time for a decision while tracking", func() {
			h.start()
			Expect(h.call("start", ipc.TaskParams{TaskTemplate: domain.TaskTemplate{TaskName: "Dev"}}, nil)).To(Succeed())
			events := h.subscribe()

			h.idle.Set(400)
			nextEvent(events, domain.EventIdleEntered)
			h.idle.Set(0)
			exited := nextEvent(events, domain.EventIdleExited)
			Expect(exited.RequiresDecision).To(BeTrue())

			var res usecase.Resolution
			Expect(h.call("resolveEvent", ipc.ResolveParams{EventID: exited.ID, Decision: domain.DecisionContinue}, &res)).To(Succeed())
			Expect(res.Session).NotTo(BeNil())
			Expect(res.Session.IdleWindows).To(ContainElement(exited.IdleWindow.ID))

			// Resolving folds the window in once; a repeat is refused.
			err := h.call("resolveEvent", ipc.ResolveParams{EventID: exited.ID, Decision: domain.DecisionStop}, nil)
			Expect(err).To(MatchError(domain.ErrEventNotFound))
		})
	})
})
