package taskgraph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/orchestra/internal/models"
)

func task(id string, deps ...string) models.Task {
	return models.Task{ID: id, Capability: models.CapabilityQuery, Dependencies: deps}
}

func indexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

func TestNew_LinearChain(t *testing.T) {
	// Linear chain: A -> B -> C
	g, err := New([]models.Task{task("A"), task("B", "A"), task("C", "B")})
	require.NoError(t, err)

	order := g.TopologicalOrder()
	require.Len(t, order, 3)
	assert.Less(t, indexOf(order, "A"), indexOf(order, "B"))
	assert.Less(t, indexOf(order, "B"), indexOf(order, "C"))
	assert.True(t, g.IsSingleChain())
	assert.False(t, g.HasFanOut())
	assert.False(t, g.IsIndependent())
}

func TestNew_SimpleCycle(t *testing.T) {
	// Cycle: A -> B -> C -> A
	_, err := New([]models.Task{task("A", "C"), task("B", "A"), task("C", "B")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicDependency))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.GreaterOrEqual(t, len(cycleErr.Path), 4)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
}

func TestNew_SelfDependencyIsCycle(t *testing.T) {
	_, err := New([]models.Task{task("A", "A")})
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestNew_CycleInDisconnectedComponent(t *testing.T) {
	_, err := New([]models.Task{
		task("root"),
		task("leaf", "root"),
		task("X", "Y"),
		task("Y", "X"),
	})
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestNew_UnknownDependency(t *testing.T) {
	_, err := New([]models.Task{task("A", "ghost")})
	assert.ErrorIs(t, err, ErrUnknownDependency)
}

func TestNew_DuplicateAndEmpty(t *testing.T) {
	_, err := New([]models.Task{task("A"), task("A")})
	assert.ErrorIs(t, err, ErrDuplicateTask)

	_, err = New(nil)
	assert.ErrorIs(t, err, ErrEmptyGraph)
}

func TestDiamondLevelsAndFanOut(t *testing.T) {
	//     A
	//    / \
	//   B   C
	//    \ /
	//     D
	g, err := New([]models.Task{task("A"), task("B", "A"), task("C", "A"), task("D", "B", "C")})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, g.Levels())
	assert.True(t, g.HasFanOut())
	assert.False(t, g.IsSingleChain())
	assert.ElementsMatch(t, []string{"B", "C"}, g.Dependents("A"))
}

func TestIndependentTasks(t *testing.T) {
	g, err := New([]models.Task{task("q1"), task("q2")})
	require.NoError(t, err)
	assert.True(t, g.IsIndependent())
	assert.Equal(t, [][]string{{"q1", "q2"}}, g.Levels())
	assert.Equal(t, []string{"q1", "q2"}, g.TopologicalOrder())
}

func TestPriorityClampedOnInsert(t *testing.T) {
	tasks := []models.Task{{ID: "a", Priority: 42}, {ID: "b"}}
	g, err := New(tasks)
	require.NoError(t, err)

	a, _ := g.Task("a")
	b, _ := g.Task("b")
	assert.Equal(t, models.MaxPriority, a.Priority)
	assert.Equal(t, models.DefaultPriority, b.Priority)
	// caller's slice is not mutated
	assert.Equal(t, 42, tasks[0].Priority)
}
