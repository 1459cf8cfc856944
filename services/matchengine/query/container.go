// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package query

// NodeContainer is an OR-group of Nodes at one level. It is the arena the
// sibling handles on each Node index into.
type NodeContainer struct {
	nodes []*Node
}

// NewNodeContainer creates a container over the given nodes.
func NewNodeContainer(nodes ...*Node) *NodeContainer {
	c := &NodeContainer{}
	c.nodes = append(c.nodes, nodes...)
	return c
}

// Add appends a node and returns its handle.
func (c *NodeContainer) Add(n *Node) int {
	c.nodes = append(c.nodes, n)
	return len(c.nodes) - 1
}

// Nodes returns the nodes in handle order. The slice must not be mutated.
func (c *NodeContainer) Nodes() []*Node { return c.nodes }

// Node returns the node at handle i.
func (c *NodeContainer) Node(i int) *Node { return c.nodes[i] }

// Len returns the number of nodes.
func (c *NodeContainer) Len() int { return len(c.nodes) }

// Clone deep-copies the container and its nodes.
func (c *NodeContainer) Clone() *NodeContainer {
	nodes := make([]*Node, len(c.nodes))
	for i, n := range c.nodes {
		nodes[i] = n.Clone()
	}
	return &NodeContainer{nodes: nodes}
}

// MultiCollectionQuery pairs the ordered OR-group sequences for the two
// record collections. Together they represent one compiled match-criterion
// path: containers AND across the sequence, nodes OR within a container.
type MultiCollectionQuery struct {
	Clinical []*NodeContainer
	Genomic  []*NodeContainer
}

// HasGenomic reports whether the query has a genomic component.
func (q *MultiCollectionQuery) HasGenomic() bool { return len(q.Genomic) > 0 }

// Clone deep-copies both sequences.
func (q *MultiCollectionQuery) Clone() *MultiCollectionQuery {
	out := &MultiCollectionQuery{
		Clinical: make([]*NodeContainer, len(q.Clinical)),
		Genomic:  make([]*NodeContainer, len(q.Genomic)),
	}
	for i, c := range q.Clinical {
		out.Clinical[i] = c.Clone()
	}
	for i, c := range q.Genomic {
		out.Genomic[i] = c.Clone()
	}
	return out
}
