package hnsw

// LayerStats describes one layer of the graph.
type LayerStats struct {
	Layer          int
	Nodes          int
	Connections    int
	AvgConnections int
}

// Stats is a point-in-time summary of the graph shape.
type Stats struct {
	Nodes      int
	Deleted    int
	MaxLayer   int
	EntryPoint uint32
	Layers     []LayerStats
}

// Stats collects per-layer node and connection counts. It walks the whole
// graph, so it is not meant for hot paths.
func (g *Graph) Stats() Stats {
	g.opMu.RLock()
	defer g.opMu.RUnlock()

	nodes := *g.nodes.Load()
	maxLayer := int(g.maxLayerAtomic.Load())

	s := Stats{
		MaxLayer:   maxLayer,
		EntryPoint: g.entryPointAtomic.Load(),
	}
	if maxLayer < 0 {
		return s
	}

	layerNodes := make([]int, maxLayer+1)
	layerConns := make([]int, maxLayer+1)
	layerConnNodes := make([]int, maxLayer+1)

	for slot := range nodes {
		n := nodes[slot]
		if n == nil {
			continue
		}
		if g.Deleted(uint32(slot)) {
			s.Deleted++
			continue
		}
		s.Nodes++

		n.mu.RLock()
		level := n.level()
		if level <= maxLayer {
			layerNodes[level]++
		}
		for l := 0; l <= level && l <= maxLayer; l++ {
			if count := len(n.neighbors[l]); count > 0 {
				layerConns[l] += count
				layerConnNodes[l]++
			}
		}
		n.mu.RUnlock()
	}

	s.Layers = make([]LayerStats, maxLayer+1)
	for l := 0; l <= maxLayer; l++ {
		avg := 0
		if layerConnNodes[l] > 0 {
			avg = layerConns[l] / layerConnNodes[l]
		}
		s.Layers[l] = LayerStats{
			Layer:          l,
			Nodes:          layerNodes[l],
			Connections:    layerConns[l],
			AvgConnections: avg,
		}
	}
	return s
}
