package tensor

import (
	"fmt"
)

// Backward computes gradients of t, which must hold a single element, with
// respect to every leaf in its history that requires gradients. Gradients are
// accumulated into the leaves until ZeroGrad is called.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element tensor, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require gradients")
	}

	order := topologicalOrder(t)

	seed, err := Ones(t.Shape, t.DType)
	if err != nil {
		return err
	}
	grads := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}

		if node.creator == nil {
			acc, err := accumulate(node.grad, g, node)
			if err != nil {
				return fmt.Errorf("failed to accumulate leaf gradient: %v", err)
			}
			node.grad = acc
			continue
		}

		inputs := node.creator.Inputs()
		inGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %v", err)
		}
		if len(inGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inGrads), len(inputs))
		}

		for j, in := range inputs {
			if !in.requiresGrad || inGrads[j] == nil {
				continue
			}
			acc, err := accumulate(grads[in], inGrads[j], in)
			if err != nil {
				return fmt.Errorf("failed to accumulate gradient: %v", err)
			}
			grads[in] = acc
		}
	}

	return nil
}

// topologicalOrder lists every node reachable from root that requires
// gradients, inputs before the nodes that consume them.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, n)
	}
	visit(root)

	return order
}

// accumulate adds g to existing, converting g to target's shape and dtype.
func accumulate(existing, g, target *Tensor) (*Tensor, error) {
	if g.NumElems != target.NumElems {
		return nil, fmt.Errorf("gradient has %d elements, tensor has %d", g.NumElems, target.NumElems)
	}
	if existing == nil {
		return NewTensor(target.Shape, target.DType, g.Float64s())
	}

	sum := existing.Float64s()
	for i, v := range g.float64View() {
		sum[i] += v
	}
	return NewTensor(target.Shape, target.DType, sum)
}
