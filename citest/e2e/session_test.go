package e2e_test

import (
	"encoding/json"
	"fmt"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MJYKIM99/ClaudeBench/citest/testutil"
	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

var successScript = testutil.Script{Lines: []string{
	`{"type":"system","subtype":"init","session_id":"agent-e2e"}`,
	`{"type":"assistant","message":{"content":[{"type":"text","text":"fixed the import cycle"}]}}`,
	`{"type":"result","subtype":"success","is_error":false,"result":"ok"}`,
}}

func startSession(h *testutil.Harness, title, prompt string) types.Session {
	GinkgoHelper()

	err := h.Sendf(`{"type":"session.start","id":"start","payload":{"title":%q,"prompt":%q,"cwd":"/tmp"}}`, title, prompt)
	Expect(err).NotTo(HaveOccurred())

	reply, err := h.WaitFor("session.start")
	Expect(err).NotTo(HaveOccurred())
	var body struct {
		Session types.Session `json:"session"`
	}
	Expect(json.Unmarshal(reply.Payload, &body)).To(Succeed())
	Expect(body.Session.ID).NotTo(BeEmpty())
	return body.Session
}

var _ = Describe("Session lifecycle", func() {
	var (
		dir     string
		harness *testutil.Harness
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	AfterEach(func() {
		if harness != nil {
			harness.Stop()
			harness = nil
		}
	})

	It("streams a fresh session to completion", func() {
		var err error
		harness, err = testutil.Start(dir, testutil.NewScriptedRunner(successScript))
		Expect(err).NotTo(HaveOccurred())

		sess := startSession(harness, "import cycle", "fix the import cycle")
		Expect(sess.Status).To(Equal(types.StatusRunning))

		line, err := harness.WaitFor("stream.user_prompt")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(line.Payload)).To(ContainSubstring("fix the import cycle"))

		_, err = harness.WaitForStatus(string(types.StatusCompleted))
		Expect(err).NotTo(HaveOccurred())

		Expect(harness.Sendf(`{"type":"session.history","id":"h","payload":{"sessionId":%q}}`, sess.ID)).To(Succeed())
		reply, err := harness.WaitFor("session.history")
		Expect(err).NotTo(HaveOccurred())

		var history struct {
			Messages []types.Message `json:"messages"`
		}
		Expect(json.Unmarshal(reply.Payload, &history)).To(Succeed())
		Expect(history.Messages).To(HaveLen(4))
		Expect(string(history.Messages[0].Payload)).To(ContainSubstring("user_prompt"))
	})

	It("rebuilds bounded context on continue", func() {
		var err error
		runner := testutil.NewScriptedRunner(successScript, successScript)
		harness, err = testutil.Start(dir, runner)
		Expect(err).NotTo(HaveOccurred())

		sess := startSession(harness, "ctx", "what breaks the build")
		_, err = harness.WaitForStatus(string(types.StatusCompleted))
		Expect(err).NotTo(HaveOccurred())

		Expect(harness.Sendf(`{"type":"session.continue","payload":{"sessionId":%q,"prompt":"now fix it"}}`, sess.ID)).To(Succeed())
		_, err = harness.WaitForStatus(string(types.StatusCompleted))
		Expect(err).NotTo(HaveOccurred())

		calls := runner.Calls()
		Expect(calls).To(HaveLen(2))
		Expect(calls[0].Prompt).To(Equal("what breaks the build"))
		Expect(calls[1].Prompt).To(ContainSubstring("<conversation-history>"))
		Expect(calls[1].Prompt).To(ContainSubstring("what breaks the build"))
		Expect(calls[1].Prompt).To(ContainSubstring("fixed the import cycle"))
		Expect(strings.HasSuffix(calls[1].Prompt, "now fix it")).To(BeTrue())
	})

	It("survives a process restart", func() {
		var err error
		harness, err = testutil.Start(dir, testutil.NewScriptedRunner(successScript))
		Expect(err).NotTo(HaveOccurred())

		sess := startSession(harness, "restart me", "hello")
		_, err = harness.WaitForStatus(string(types.StatusCompleted))
		Expect(err).NotTo(HaveOccurred())

		harness.Stop()

		harness, err = testutil.Start(dir, testutil.NewScriptedRunner())
		Expect(err).NotTo(HaveOccurred())

		Expect(harness.Send(`{"type":"session.list","id":"l"}`)).To(Succeed())
		reply, err := harness.WaitFor("session.list")
		Expect(err).NotTo(HaveOccurred())

		var listed struct {
			Sessions []types.Session `json:"sessions"`
		}
		Expect(json.Unmarshal(reply.Payload, &listed)).To(Succeed())
		Expect(listed.Sessions).To(HaveLen(1))
		Expect(listed.Sessions[0].ID).To(Equal(sess.ID))
		Expect(listed.Sessions[0].Title).To(Equal("restart me"))
		Expect(listed.Sessions[0].Status).To(Equal(types.StatusCompleted))
	})

	It("reports unknown session on continue without creating one", func() {
		var err error
		harness, err = testutil.Start(dir, testutil.NewScriptedRunner())
		Expect(err).NotTo(HaveOccurred())

		Expect(harness.Send(`{"type":"session.continue","id":"c","payload":{"sessionId":"ghost","prompt":"x"}}`)).To(Succeed())

		line, err := harness.WaitFor("runner.error")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(line.Payload)).To(ContainSubstring("not found"))

		Expect(harness.Send(`{"type":"session.list","id":"l"}`)).To(Succeed())
		reply, err := harness.WaitFor("session.list")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(reply.Payload)).To(ContainSubstring(`"sessions":[]`))
	})

	It("deletes a session and its history", func() {
		var err error
		harness, err = testutil.Start(dir, testutil.NewScriptedRunner(successScript))
		Expect(err).NotTo(HaveOccurred())

		sess := startSession(harness, "doomed", "hello")
		_, err = harness.WaitForStatus(string(types.StatusCompleted))
		Expect(err).NotTo(HaveOccurred())

		Expect(harness.Sendf(`{"type":"session.delete","payload":{"sessionId":%q}}`, sess.ID)).To(Succeed())

		line, err := harness.WaitFor("session.deleted")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(line.Payload)).To(ContainSubstring(sess.ID))

		Expect(harness.Sendf(`{"type":"session.history","id":"h","payload":{"sessionId":%q}}`, sess.ID)).To(Succeed())
		errLine, err := harness.WaitFor("runner.error")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(errLine.Payload)).To(ContainSubstring("not found"))
	})
})

var _ = Describe("Error surfacing", func() {
	It("marks the session errored when the executor reports failure", func() {
		dir := GinkgoT().TempDir()
		failing := testutil.Script{Lines: []string{
			fmt.Sprintf(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":%q}`, "model overloaded"),
		}}
		harness, err := testutil.Start(dir, testutil.NewScriptedRunner(failing))
		Expect(err).NotTo(HaveOccurred())
		defer harness.Stop()

		startSession(harness, "doomed turn", "hello")
		_, err = harness.WaitForStatus(string(types.StatusError))
		Expect(err).NotTo(HaveOccurred())
	})
})
