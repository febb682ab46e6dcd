package tdcfg

// Attribution holds the tuning knobs of the entity attribution engine.
//
//nolint:lll
type Attribution struct {
	MinMixInputs int `long:"minmixinputs" description:"The minimum number of distinct input addresses for a transaction to be considered a mix candidate. Set to 0 to disable the structural mixing test."`

	MinUniformOutputs int `long:"minuniformoutputs" description:"The number of equal valued outputs at which a mix candidate is excluded from clustering. Set to 0 to disable the structural mixing test."`

	Denylist []string `long:"denylist" description:"Address of a known mixing service whose transactions are never clustered. May be specified multiple times."`
}

// Scoring holds the propagation parameters of the risk scoring engine.
//
//nolint:lll
type Scoring struct {
	Decay float64 `long:"decay" description:"The multiplicative attenuation applied to taint per transaction hop. Must lie in (0:1]."`

	Epsilon float64 `long:"epsilon" description:"The contribution floor below which a taint path is dropped instead of followed further."`

	MaxHops int `long:"maxhops" description:"The maximum number of transaction hops taint may travel from a seed."`

	TopK int `long:"topk" description:"The number of strongest seeds kept per node as score provenance."`
}

// Trace holds the bounds of the funds flow tracer.
//
//nolint:lll
type Trace struct {
	Decay float64 `long:"decay" description:"The per hop attenuation used for flow weights. Must lie in (0:1]."`

	MaxHops int `long:"maxhops" description:"The maximum hop count of a traced path. Requests may ask for less, never for more."`

	MaxBranch int `long:"maxbranch" description:"The maximum number of candidate hops taken per frontier expansion."`

	MaxPaths int `long:"maxpaths" description:"The maximum number of ranked paths returned per trace."`

	MaxVisited int `long:"maxvisited" description:"The total frontier expansion budget of one trace."`
}

// Export holds the bounds of the subgraph exporter.
//
//nolint:lll
type Export struct {
	MaxNodes int `long:"maxnodes" description:"The maximum number of address and transaction nodes admitted into one export. Requests may ask for less, never for more."`

	MaxHops int `long:"maxhops" description:"The expansion depth around the export roots."`
}
