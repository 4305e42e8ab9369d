package fsm

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestFSM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "FSM Suite")
}

var _ = Describe("Execution FSM", func() {
	DescribeTable("allowed transitions",
		func(from, to ExecutionStatus, want bool) {
			Expect(ValidExecutionTransition(from, to)).To(Equal(want))
		},
		Entry("pending->approved", ExecutionPendingApproval, ExecutionApproved, true),
		Entry("pending->rejected", ExecutionPendingApproval, ExecutionRejected, true),
		Entry("pending->cancelled", ExecutionPendingApproval, ExecutionCancelled, true),
		Entry("pending->queued invalid", ExecutionPendingApproval, ExecutionQueued, false),
		Entry("approved->queued", ExecutionApproved, ExecutionQueued, true),
		Entry("queued->running", ExecutionQueued, ExecutionRunning, true),
		Entry("queued->timeout", ExecutionQueued, ExecutionTimeout, true),
		Entry("running->completed", ExecutionRunning, ExecutionCompleted, true),
		Entry("running->partial", ExecutionRunning, ExecutionPartial, true),
		Entry("completed->anything invalid", ExecutionCompleted, ExecutionRunning, false),
		Entry("failed is terminal", ExecutionFailed, ExecutionCompleted, false),
	)

	It("never allows an edge out of a terminal state", func() {
		for s := range executionTerminal {
			Expect(ValidExecutionTransition(s, ExecutionRunning)).To(BeFalse())
		}
	})
})

var _ = Describe("Step FSM", func() {
	It("allows the re-entrant RUNNING->RUNNING edge for crash recovery", func() {
		Expect(ValidStepTransition(StepRunning, StepRunning)).To(BeTrue())
	})

	It("allows PENDING->SKIPPED when a prior step failed", func() {
		Expect(ValidStepTransition(StepPending, StepSkipped)).To(BeTrue())
	})

	It("rejects transitions out of a terminal step", func() {
		Expect(ValidStepTransition(StepSucceeded, StepRunning)).To(BeFalse())
	})
})

var _ = Describe("Aggregate", func() {
	It("returns COMPLETED when every step succeeded", func() {
		got := Aggregate([]StepStatus{StepSucceeded, StepSucceeded}, false, false, false)
		Expect(got).To(Equal(ExecutionCompleted))
	})

	It("returns FAILED on mixed outcomes without partial_allowed", func() {
		got := Aggregate([]StepStatus{StepSucceeded, StepFailed}, false, false, false)
		Expect(got).To(Equal(ExecutionFailed))
	})

	It("returns PARTIAL on mixed outcomes with partial_allowed", func() {
		got := Aggregate([]StepStatus{StepSucceeded, StepFailed}, true, false, false)
		Expect(got).To(Equal(ExecutionPartial))
	})

	It("returns TIMEOUT terminal only when no step succeeded and the execution deadline was hit", func() {
		got := Aggregate([]StepStatus{StepTimeout, StepPending}, true, true, false)
		Expect(got).To(Equal(ExecutionTimeout))
	})

	It("returns PARTIAL when a later step succeeded despite an earlier timeout", func() {
		got := Aggregate([]StepStatus{StepTimeout, StepSucceeded}, true, false, false)
		Expect(got).To(Equal(ExecutionPartial))
	})

	It("returns CANCELLED when the token tripped and nothing succeeded", func() {
		got := Aggregate([]StepStatus{StepCancelled, StepCancelled}, true, false, true)
		Expect(got).To(Equal(ExecutionCancelled))
	})
})
