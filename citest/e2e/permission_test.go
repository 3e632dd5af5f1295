package e2e_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/MJYKIM99/ClaudeBench/citest/testutil"
	"github.com/MJYKIM99/ClaudeBench/internal/event"
	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

const deniedResultLine = `{"type":"result","subtype":"success","is_error":true,"result":"tool call denied"}`

func bashScript(toolUseID, command string) testutil.Script {
	input, _ := json.Marshal(map[string]string{"command": command})
	return testutil.Script{
		ToolCalls: []testutil.ToolCall{{
			ToolUseID:  toolUseID,
			ToolName:   "Bash",
			Input:      string(input),
			DeniedLine: deniedResultLine,
		}},
		Lines: []string{
			`{"type":"assistant","message":{"content":[{"type":"text","text":"ran the command"}]}}`,
			`{"type":"result","subtype":"success","is_error":false,"result":"ok"}`,
		},
	}
}

var _ = Describe("Permission arbitration over the wire", func() {
	var harness *testutil.Harness

	AfterEach(func() {
		if harness != nil {
			harness.Stop()
			harness = nil
		}
	})

	It("defers a shell command to the human and honors allow", func() {
		var err error
		harness, err = testutil.Start(GinkgoT().TempDir(), testutil.NewScriptedRunner(bashScript("tu_1", "git status")))
		Expect(err).NotTo(HaveOccurred())

		startSession(harness, "perm", "check the repo")

		line, err := harness.WaitFor("permission.request")
		Expect(err).NotTo(HaveOccurred())
		var req event.PermissionRequestData
		Expect(json.Unmarshal(line.Payload, &req)).To(Succeed())
		Expect(req.ToolName).To(Equal("Bash"))
		Expect(req.ToolUseID).To(Equal("tu_1"))
		Expect(string(req.Input)).To(ContainSubstring("git status"))

		Expect(harness.Sendf(`{"type":"permission.response","payload":{"sessionId":%q,"toolUseId":"tu_1","result":"allow"}}`, req.SessionID)).To(Succeed())

		_, err = harness.WaitForStatus(string(types.StatusCompleted))
		Expect(err).NotTo(HaveOccurred())
	})

	It("remembers a denial and never prompts for the pattern again", func() {
		var err error
		runner := testutil.NewScriptedRunner(
			bashScript("tu_1", "git push origin main"),
			bashScript("tu_2", "git push origin dev"),
		)
		harness, err = testutil.Start(GinkgoT().TempDir(), runner)
		Expect(err).NotTo(HaveOccurred())

		sess := startSession(harness, "perm", "push it")

		line, err := harness.WaitFor("permission.request")
		Expect(err).NotTo(HaveOccurred())
		var req event.PermissionRequestData
		Expect(json.Unmarshal(line.Payload, &req)).To(Succeed())

		Expect(harness.Sendf(`{"type":"permission.response","payload":{"sessionId":%q,"toolUseId":"tu_1","result":"deny","remember":true}}`, sess.ID)).To(Succeed())
		_, err = harness.WaitForStatus(string(types.StatusError))
		Expect(err).NotTo(HaveOccurred())

		// Second, slightly different push: the stored pattern must catch
		// it without a prompt.
		Expect(harness.Sendf(`{"type":"session.continue","payload":{"sessionId":%q,"prompt":"try again"}}`, sess.ID)).To(Succeed())

		outcome, err := harness.WaitForAny("permission.request", "session.status")
		Expect(err).NotTo(HaveOccurred())
		for outcome.Type == "session.status" {
			var status event.SessionStatusData
			Expect(json.Unmarshal(outcome.Payload, &status)).To(Succeed())
			if status.Status == string(types.StatusError) {
				break
			}
			outcome, err = harness.WaitForAny("permission.request", "session.status")
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(outcome.Type).To(Equal("session.status"))
	})

	It("flags protected paths even in auto-safe mode", func() {
		script := testutil.Script{
			ToolCalls: []testutil.ToolCall{{
				ToolUseID:  "tu_1",
				ToolName:   "Read",
				Input:      `{"file_path":"/etc/hosts"}`,
				DeniedLine: deniedResultLine,
			}},
			Lines: []string{
				`{"type":"result","subtype":"success","is_error":false,"result":"ok"}`,
			},
		}
		var err error
		harness, err = testutil.Start(GinkgoT().TempDir(), testutil.NewScriptedRunner(script))
		Expect(err).NotTo(HaveOccurred())

		// Drain the startup announcement so the next settings.loaded is
		// the update's reply.
		_, err = harness.WaitFor("settings.loaded")
		Expect(err).NotTo(HaveOccurred())

		Expect(harness.Send(`{"type":"settings.update","id":"u","payload":{"permissionMode":"auto-safe","protectedPaths":["/etc"]}}`)).To(Succeed())
		_, err = harness.WaitFor("settings.loaded")
		Expect(err).NotTo(HaveOccurred())

		sess := startSession(harness, "protected", "read the hosts file")

		line, err := harness.WaitFor("permission.request")
		Expect(err).NotTo(HaveOccurred())
		var req event.PermissionRequestData
		Expect(json.Unmarshal(line.Payload, &req)).To(Succeed())
		Expect(req.IsProtectedPath).To(BeTrue())

		Expect(harness.Sendf(`{"type":"permission.response","payload":{"sessionId":%q,"toolUseId":"tu_1","result":"allow"}}`, sess.ID)).To(Succeed())
		_, err = harness.WaitForStatus(string(types.StatusCompleted))
		Expect(err).NotTo(HaveOccurred())
	})
})
