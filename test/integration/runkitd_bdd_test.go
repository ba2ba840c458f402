//go:build integration

package integration

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Letdown2491/runkit/internal/client"
	"github.com/Letdown2491/runkit/internal/domain"
	"github.com/Letdown2491/runkit/test/fixtures"
)

var _ = Describe("runkitd", func() {
	var (
		h   *harness
		c   *client.Client
		ctx context.Context
	)

	BeforeEach(func() {
		var err error
		h, err = newHarness()
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()

		Expect(h.tree.AddService("sshd", "OpenSSH daemon", true)).To(Succeed())
		Expect(h.tree.AddService("cupsd", "", true)).To(Succeed())
		Expect(h.tree.AddService("ntpd", "", false)).To(Succeed())
		Expect(h.tree.SetRunning("sshd", 812)).To(Succeed())
		Expect(h.tree.SetDown("cupsd")).To(Succeed())
	})

	JustBeforeEach(func() {
		Expect(h.start()).To(Succeed())
		c = client.New(h.cfg.SocketPath, 10*time.Second)
	})

	AfterEach(func() {
		if c != nil {
			c.Close()
		}
		h.cleanup()
	})

	Describe("service lifecycle", func() {
		Context("when a stopped service is started", func() {
			It("should bring it up and record the action", func() {
				res, err := c.Perform(ctx, "cupsd", domain.ActionStart)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Status.State).To(Equal(domain.StateRunning))
				Expect(h.tree.State("cupsd")).To(HavePrefix("run "))

				events, err := c.Activity(ctx, "cupsd")
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(HaveLen(1))
				Expect(events[0].Outcome).To(Equal(domain.OutcomeSuccess))
				Expect(events[0].From).To(Equal(domain.StateDown))
				Expect(events[0].To).To(Equal(domain.StateRunning))
			})
		})

		Context("when the caller is denied", func() {
			BeforeEach(func() {
				Expect(h.tree.SetAuthorization(fixtures.PkcheckDeny)).To(Succeed())
			})

			It("should leave the service alone and record nothing", func() {
				_, err := c.Perform(ctx, "sshd", domain.ActionStop)
				Expect(err).To(MatchError(domain.ErrNotAuthorized))
				Expect(h.tree.State("sshd")).To(Equal("run 812"))

				events, err := c.Activity(ctx, "sshd")
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(BeEmpty())
			})
		})

		Context("when the service is unknown", func() {
			It("should not prompt", func() {
				_, err := c.Perform(ctx, "ghost", domain.ActionStart)
				Expect(err).To(MatchError(domain.ErrNotFound))
				Expect(h.tree.PkcheckCalls()).To(BeEmpty())
			})
		})

		Context("when enabling and disabling", func() {
			It("should manage the enablement link", func() {
				_, err := c.Perform(ctx, "ntpd", domain.ActionEnable)
				Expect(err).NotTo(HaveOccurred())
				Expect(h.tree.IsEnabled("ntpd")).To(BeTrue())

				d, err := c.Describe(ctx, "ntpd")
				Expect(err).NotTo(HaveOccurred())
				Expect(d.Enabled).To(BeTrue())

				_, err = c.Perform(ctx, "ntpd", domain.ActionDisable)
				Expect(err).NotTo(HaveOccurred())
				Expect(h.tree.IsEnabled("ntpd")).To(BeFalse())
			})
		})

		Context("when the control tool hangs", func() {
			BeforeEach(func() {
				Expect(h.tree.SetHang("cupsd")).To(Succeed())
			})

			It("should time out and release the service", func() {
				_, err := c.Perform(ctx, "cupsd", domain.ActionStart)
				Expect(err).To(MatchError(domain.ErrTimeout))

				events, err := c.Activity(ctx, "cupsd")
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(HaveLen(1))
				Expect(events[0].Outcome).To(Equal(domain.OutcomeTimedOut))

				_, err = c.Status(ctx, "cupsd")
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("activity retention", func() {
		It("should keep the ten most recent events per service", func() {
			for i := 0; i < domain.HistoryCapacity+2; i++ {
				_, err := c.Perform(ctx, "sshd", domain.ActionCheck)
				Expect(err).NotTo(HaveOccurred())
			}
			events, err := c.Activity(ctx, "sshd")
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(domain.HistoryCapacity))
		})
	})

	Describe("cached authorization", func() {
		BeforeEach(func() {
			h.cfg.DefaultAuthMode = domain.AuthCachedWhileSessionOpen
		})

		It("should prompt once per connection", func() {
			for _, name := range []string{"sshd", "cupsd", "sshd"} {
				_, err := c.Perform(ctx, name, domain.ActionRestart)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(h.tree.PkcheckCalls()).To(HaveLen(1))

			other := client.New(h.cfg.SocketPath, 10*time.Second)
			defer other.Close()
			_, err := other.Perform(ctx, "sshd", domain.ActionRestart)
			Expect(err).NotTo(HaveOccurred())
			Expect(h.tree.PkcheckCalls()).To(HaveLen(2))
		})

		It("should always prompt for policy changes", func() {
			Expect(c.SetPolicy(ctx, domain.AuthCachedWhileSessionOpen)).To(Succeed())
			Expect(c.SetPolicy(ctx, domain.AuthCachedWhileSessionOpen)).To(Succeed())
			Expect(h.tree.PkcheckCalls()).To(HaveLen(2))
		})
	})

	Describe("restart reconciliation", func() {
		BeforeEach(func() {
			Expect(h.tree.AddService("waypoint-scheduler", "", true)).To(Succeed())
			Expect(h.tree.SetDown("waypoint-scheduler")).To(Succeed())
		})

		It("should report changes made while the daemon was stopped", func() {
			c.Close()
			Expect(h.stop()).To(Succeed())

			Expect(h.tree.SetRunning("waypoint-scheduler", 4821)).To(Succeed())

			Expect(h.start()).To(Succeed())
			c = client.New(h.cfg.SocketPath, 10*time.Second)

			events, err := c.Activity(ctx, "waypoint-scheduler")
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].Synthetic).To(BeTrue())
			Expect(events[0].Change).To(Equal(domain.ChangeStarted))
			Expect(events[0].PID).To(Equal(4821))
			Expect(events[0].Message).To(ContainSubstring("while runkitd was stopped"))
		})
	})

	Describe("policy persistence", func() {
		It("should keep the chosen mode across restarts", func() {
			Expect(c.SetPolicy(ctx, domain.AuthCachedWhileSessionOpen)).To(Succeed())
			c.Close()
			Expect(h.stop()).To(Succeed())

			Expect(h.start()).To(Succeed())
			c = client.New(h.cfg.SocketPath, 10*time.Second)
			p, err := c.GetPolicy(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Mode).To(Equal(domain.AuthCachedWhileSessionOpen))
		})
	})

	Describe("activity stream", func() {
		It("should push events as they happen", func() {
			streamCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			events, err := c.Stream(streamCtx, "")
			Expect(err).NotTo(HaveOccurred())

			actor := client.New(h.cfg.SocketPath, 10*time.Second)
			defer actor.Close()

			// The subscription is registered just after the handshake.
			var ev domain.ActivityEvent
			Eventually(func() bool {
				_, err := actor.Perform(ctx, "sshd", domain.ActionReload)
				Expect(err).NotTo(HaveOccurred())
				select {
				case ev = <-events:
					return true
				case <-time.After(200 * time.Millisecond):
					return false
				}
			}).WithTimeout(5 * time.Second).Should(BeTrue())
			Expect(ev.Service).To(Equal("sshd"))
			Expect(ev.Action).To(Equal(domain.ActionReload))
		})
	})

	Describe("logs", func() {
		It("should return the tail of the svlogd file", func() {
			var lines []string
			for i := 0; i < 30; i++ {
				lines = append(lines, fmt.Sprintf("@400000006553f1%02x00000000 line %d", i, i))
			}
			Expect(h.tree.WriteLog("sshd", lines...)).To(Succeed())

			got, err := c.Logs(ctx, "sshd", 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(3))
			Expect(got[2].Text).To(Equal("line 29"))
			Expect(got[2].Timestamp).NotTo(BeNil())
		})
	})
})
