package chat_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oxwell/streamchat/pkg/chat"
)

var _ = Describe("Store", func() {
	var store *chat.Store

	BeforeEach(func() {
		store = chat.NewStore()
	})

	Describe("InsertOptimistic", func() {
		It("should append a user message and a pending assistant placeholder synchronously", func() {
			userID, assistantID := store.InsertOptimistic("chat-1", "hello")

			msgs := store.Messages("chat-1")
			Expect(msgs).To(HaveLen(2))

			Expect(msgs[0].ID).To(Equal(userID))
			Expect(msgs[0].Role).To(Equal(chat.RoleUser))
			Expect(msgs[0].Status).To(Equal(chat.StatusComplete))
			Expect(chat.IsTempID(msgs[0].ID)).To(BeTrue())

			Expect(msgs[1].ID).To(Equal(assistantID))
			Expect(msgs[1].Role).To(Equal(chat.RoleAssistant))
			Expect(msgs[1].Status).To(Equal(chat.StatusPending))
			Expect(msgs[1].PreviousMessageID).To(Equal(userID))
		})

		It("should back-link onto the previous tail of the conversation", func() {
			_, a1 := store.InsertOptimistic("chat-1", "first")
			u2, _ := store.InsertOptimistic("chat-1", "second")

			msgs := store.Messages("chat-1")
			Expect(msgs).To(HaveLen(4))
			Expect(msgs[2].ID).To(Equal(u2))
			Expect(msgs[2].PreviousMessageID).To(Equal(a1))
		})

		It("should assign fresh temporary identities under rapid-fire submission", func() {
			seen := make(map[string]bool)
			for i := 0; i < 100; i++ {
				u, a := store.InsertOptimistic("chat-1", "msg")
				Expect(seen[u]).To(BeFalse())
				Expect(seen[a]).To(BeFalse())
				seen[u] = true
				seen[a] = true
			}
			Expect(store.Messages("chat-1")).To(HaveLen(200))
		})
	})

	Describe("ReconcileIdentity", func() {
		It("should replace the temporary identity while preserving position", func() {
			userID, assistantID := store.InsertOptimistic("chat-1", "hello")

			store.ReconcileIdentity(userID, "server-user-1")
			store.ReconcileIdentity(assistantID, "server-assistant-1")

			msgs := store.Messages("chat-1")
			Expect(msgs[0].ID).To(Equal("server-user-1"))
			Expect(msgs[1].ID).To(Equal("server-assistant-1"))
			Expect(msgs[1].PreviousMessageID).To(Equal("server-user-1"),
				"back-links referencing the old identity migrate too")
		})

		It("should be idempotent", func() {
			userID, _ := store.InsertOptimistic("chat-1", "hello")

			store.ReconcileIdentity(userID, "server-1")
			before := store.Messages("chat-1")
			store.ReconcileIdentity(userID, "server-1")
			after := store.Messages("chat-1")

			Expect(after).To(Equal(before))
		})

		It("should never expose a message under both identities", func() {
			userID, _ := store.InsertOptimistic("chat-1", "hello")
			store.ReconcileIdentity(userID, "server-1")

			ids := make(map[string]int)
			for _, m := range store.Messages("chat-1") {
				ids[m.ID]++
			}
			Expect(ids["server-1"]).To(Equal(1))
			Expect(ids).NotTo(HaveKey(userID))
		})

		It("should redirect operations keyed by the retired identity", func() {
			_, assistantID := store.InsertOptimistic("chat-1", "hello")
			store.ReconcileIdentity(assistantID, "server-a")

			Expect(store.Resolve(assistantID)).To(Equal("server-a"))

			// A delta fired with the stale identity still lands.
			store.ApplyContentDelta(assistantID, "Hi")
			msg, ok := store.Message("server-a")
			Expect(ok).To(BeTrue())
			Expect(msg.Content).To(Equal("Hi"))
		})

		It("should ignore reconciliation for an unknown identity", func() {
			store.InsertOptimistic("chat-1", "hello")
			Expect(func() {
				store.ReconcileIdentity("local-never-existed", "server-x")
			}).NotTo(Panic())
			Expect(store.Messages("chat-1")).To(HaveLen(2))
		})

		It("should never apply one message's reconciliation to another placeholder", func() {
			_, a1 := store.InsertOptimistic("chat-1", "one")
			_, a2 := store.InsertOptimistic("chat-1", "two")

			store.ReconcileIdentity(a1, "server-a1")

			msgs := store.Messages("chat-1")
			Expect(msgs[1].ID).To(Equal("server-a1"))
			Expect(msgs[3].ID).To(Equal(a2), "second placeholder untouched")
		})
	})

	Describe("ApplyContentDelta", func() {
		It("should concatenate deltas in order and move pending to streaming", func() {
			_, assistantID := store.InsertOptimistic("chat-1", "hello")

			store.ApplyContentDelta(assistantID, "Hi")
			msg, _ := store.Message(assistantID)
			Expect(msg.Content).To(Equal("Hi"))
			Expect(msg.Status).To(Equal(chat.StatusStreaming))

			store.ApplyContentDelta(assistantID, " there")
			msg, _ = store.Message(assistantID)
			Expect(msg.Content).To(Equal("Hi there"))
		})

		It("should drop deltas after a terminal status", func() {
			_, assistantID := store.InsertOptimistic("chat-1", "hello")

			store.ApplyContentDelta(assistantID, "Hi")
			store.MarkCancelled(assistantID)
			store.ApplyContentDelta(assistantID, " stale")

			msg, _ := store.Message(assistantID)
			Expect(msg.Content).To(Equal("Hi"))
			Expect(msg.Status).To(Equal(chat.StatusCancelled))
		})
	})

	Describe("terminal transitions", func() {
		It("should complete with the server's canonical content", func() {
			_, assistantID := store.InsertOptimistic("chat-1", "hello")
			store.ApplyContentDelta(assistantID, "Hi ther")

			store.MarkComplete(assistantID, "Hi there")

			msg, _ := store.Message(assistantID)
			Expect(msg.Status).To(Equal(chat.StatusComplete))
			Expect(msg.Content).To(Equal("Hi there"))
		})

		It("should keep accumulated content when completing without a final form", func() {
			_, assistantID := store.InsertOptimistic("chat-1", "hello")
			store.ApplyContentDelta(assistantID, "Hi there")

			store.MarkComplete(assistantID, "")

			msg, _ := store.Message(assistantID)
			Expect(msg.Content).To(Equal("Hi there"))
		})

		It("should attach error info to the specific message", func() {
			_, assistantID := store.InsertOptimistic("chat-1", "hello")

			store.MarkError(assistantID, chat.ErrorInfo{
				Category: "content_filter",
				Message:  "blocked",
			})

			msg, _ := store.Message(assistantID)
			Expect(msg.Status).To(Equal(chat.StatusError))
			Expect(msg.Error.Category).To(Equal("content_filter"))
		})

		It("should not overwrite an earlier terminal status", func() {
			_, assistantID := store.InsertOptimistic("chat-1", "hello")

			store.MarkCancelled(assistantID)
			store.MarkComplete(assistantID, "late completion")

			msg, _ := store.Message(assistantID)
			Expect(msg.Status).To(Equal(chat.StatusCancelled))
		})
	})

	Describe("EditMessage", func() {
		It("should replace content and truncate every later message", func() {
			u1, a1 := store.InsertOptimistic("chat-1", "first")
			store.MarkComplete(a1, "answer one")
			_, a2 := store.InsertOptimistic("chat-1", "second")
			store.MarkComplete(a2, "answer two")

			store.EditMessage(u1, "first, edited")

			msgs := store.Messages("chat-1")
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].ID).To(Equal(u1))
			Expect(msgs[0].Content).To(Equal("first, edited"))
		})

		It("should apply truncation consistently for mid-conversation edits", func() {
			_, a1 := store.InsertOptimistic("chat-1", "first")
			store.MarkComplete(a1, "answer one")
			u2, a2 := store.InsertOptimistic("chat-1", "second")
			store.MarkComplete(a2, "answer two")

			store.EditMessage(u2, "second, edited")

			msgs := store.Messages("chat-1")
			Expect(msgs).To(HaveLen(3))
			Expect(msgs[2].ID).To(Equal(u2))
			Expect(msgs[2].Content).To(Equal("second, edited"))
		})

		It("should accept a retired temporary identity", func() {
			u1, _ := store.InsertOptimistic("chat-1", "first")
			store.ReconcileIdentity(u1, "server-u1")

			store.EditMessage(u1, "edited via stale id")

			msgs := store.Messages("chat-1")
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].ID).To(Equal("server-u1"))
			Expect(msgs[0].Content).To(Equal("edited via stale id"))
		})
	})

	Describe("RemoveMessage", func() {
		It("should repair the following message's back-link", func() {
			u1, a1 := store.InsertOptimistic("chat-1", "first")
			store.MarkComplete(a1, "answer")

			store.RemoveMessage(a1)

			msgs := store.Messages("chat-1")
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].ID).To(Equal(u1))

			u2, _ := store.InsertOptimistic("chat-1", "second")
			store.RemoveMessage(u1)
			msgs = store.Messages("chat-1")
			Expect(msgs[0].ID).To(Equal(u2))
			Expect(msgs[0].PreviousMessageID).To(BeEmpty())
		})
	})

	Describe("Seed", func() {
		It("should load persisted history for a chat", func() {
			store.Seed("chat-1", []chat.Message{
				{ID: "m1", Role: chat.RoleUser, Content: "hi", Status: chat.StatusComplete},
				{ID: "m2", Role: chat.RoleAssistant, Content: "hello", Status: chat.StatusComplete, PreviousMessageID: "m1"},
			})

			msgs := store.Messages("chat-1")
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].ChatID).To(Equal("chat-1"))
			Expect(store.InFlightMessages("chat-1")).To(BeEmpty())
		})

		It("should surface in-flight messages from persisted state", func() {
			store.Seed("chat-1", []chat.Message{
				{ID: "m1", Role: chat.RoleUser, Status: chat.StatusComplete},
				{ID: "m2", Role: chat.RoleAssistant, Status: chat.StatusStreaming, PreviousMessageID: "m1"},
			})

			inflight := store.InFlightMessages("chat-1")
			Expect(inflight).To(HaveLen(1))
			Expect(inflight[0].ID).To(Equal("m2"))
		})
	})

	Describe("Subscribe", func() {
		It("should signal after mutations of the subscribed chat only", func() {
			ch := store.Subscribe("chat-1")

			store.InsertOptimistic("chat-2", "other chat")
			Expect(ch).NotTo(Receive())

			store.InsertOptimistic("chat-1", "hello")
			Expect(ch).To(Receive())
		})

		It("should coalesce rather than block on a slow consumer", func() {
			store.Subscribe("chat-1")

			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < 10; i++ {
					store.InsertOptimistic("chat-1", "msg")
				}
			}()
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("chat isolation", func() {
		It("should keep slices of different chats independent", func() {
			_, aA := store.InsertOptimistic("chat-A", "to A")
			_, aB := store.InsertOptimistic("chat-B", "to B")

			store.ApplyContentDelta(aA, "for A")
			store.ApplyContentDelta(aB, "for B")

			msgA, _ := store.Message(aA)
			msgB, _ := store.Message(aB)
			Expect(msgA.Content).To(Equal("for A"))
			Expect(msgB.Content).To(Equal("for B"))
		})
	})
})
