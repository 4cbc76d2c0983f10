package streaming_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oxwell/streamchat/pkg/chat"
	"github.com/oxwell/streamchat/pkg/streaming"
)

var _ = Describe("Manager", func() {
	var (
		store   *chat.Store
		opener  *fakeOpener
		manager *streaming.Manager
		ctx     context.Context
	)

	newSession := func(chatKey, wireChatID string) func() *streaming.Session {
		return func() *streaming.Session {
			return streaming.NewSession(chatKey, wireChatID, store, opener, streaming.Hooks{})
		}
	}

	BeforeEach(func() {
		store = chat.NewStore()
		opener = &fakeOpener{}
		manager = streaming.NewManager()
		ctx = context.Background()
	})

	It("should return the same session for the same chat", func() {
		a := manager.GetOrCreate("chat-1", newSession("chat-1", "wire-1"))
		b := manager.GetOrCreate("chat-1", newSession("chat-1", "wire-1"))
		Expect(a).To(BeIdenticalTo(b))

		got, ok := manager.Get("chat-1")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(a))

		_, ok = manager.Get("chat-2")
		Expect(ok).To(BeFalse())
	})

	It("should stream two conversations concurrently without interference", func() {
		s1 := manager.GetOrCreate("chat-1", newSession("chat-1", "wire-1"))
		s2 := manager.GetOrCreate("chat-2", newSession("chat-2", "wire-2"))

		_, a1, err := s1.Submit(ctx, "first question", nil)
		Expect(err).NotTo(HaveOccurred())
		_, a2, err := s2.Submit(ctx, "second question", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(manager.ActiveCount()).To(Equal(2))

		st1, st2 := opener.stream(0), opener.stream(1)
		st1.emit("assistant_message_started", `{"message_id":"srv-a1"}`)
		st2.emit("assistant_message_started", `{"message_id":"srv-b1"}`)

		// Interleaved deltas route to their own conversations.
		st1.emit("text_delta", `{"message_id":"srv-a1","new_text":"alpha"}`)
		st2.emit("text_delta", `{"message_id":"srv-b1","new_text":"beta"}`)
		st1.emit("text_delta", `{"message_id":"srv-a1","new_text":" one"}`)
		st2.emit("text_delta", `{"message_id":"srv-b1","new_text":" two"}`)

		m1, _ := store.Message(a1)
		m2, _ := store.Message(a2)
		Expect(m1.Content).To(Equal("alpha one"))
		Expect(m1.ChatID).To(Equal("chat-1"))
		Expect(m2.Content).To(Equal("beta two"))
		Expect(m2.ChatID).To(Equal("chat-2"))

		// Finishing one leaves the other streaming.
		st1.emit("assistant_message_completed", `{"message_id":"srv-a1","content":[{"content_type":"text","text":"alpha one"}]}`)
		st1.finish()
		Expect(s1.State()).To(Equal(streaming.StateCompleted))
		Expect(s2.State()).To(Equal(streaming.StateActive))
		Expect(manager.Active("chat-1")).To(BeFalse())
		Expect(manager.Active("chat-2")).To(BeTrue())
		Expect(manager.ActiveCount()).To(Equal(1))

		st2.emit("assistant_message_completed", `{"message_id":"srv-b1","content":[{"content_type":"text","text":"beta two"}]}`)
		st2.finish()
		Expect(manager.ActiveCount()).To(Equal(0))
	})

	It("should refuse to release a session that is still in flight", func() {
		s := manager.GetOrCreate("chat-1", newSession("chat-1", "wire-1"))
		_, _, err := s.Submit(ctx, "hello", nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(manager.Release("chat-1")).To(BeFalse())
		_, ok := manager.Get("chat-1")
		Expect(ok).To(BeTrue())

		s.Cancel()
		Expect(manager.Release("chat-1")).To(BeTrue())
		_, ok = manager.Get("chat-1")
		Expect(ok).To(BeFalse())
	})

	It("should allow a fresh session for the chat after release", func() {
		s := manager.GetOrCreate("chat-1", newSession("chat-1", "wire-1"))
		_, _, err := s.Submit(ctx, "hello", nil)
		Expect(err).NotTo(HaveOccurred())
		s.Cancel()
		Expect(manager.Release("chat-1")).To(BeTrue())

		fresh := manager.GetOrCreate("chat-1", newSession("chat-1", "wire-1"))
		Expect(fresh).NotTo(BeIdenticalTo(s))
		Expect(fresh.State()).To(Equal(streaming.StateIdle))
	})
})
