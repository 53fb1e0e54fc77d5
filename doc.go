// Package vecfs is an embedded, filesystem-resident vector store with
// approximate similarity search. Vectors live as plain files under a base
// directory; there is no server process and no external database.
//
// Each collection owns a deterministic random projection matrix that reduces
// its vectors to 64 components. The reduced vector is quantized into a fixed
// 32-character hex digest, and points are sharded into nested bucket
// directories derived from that digest, so vectors that are close in the
// original space tend to land in nearby directories. Search runs in two
// phases: candidates are gathered by shared digest prefix (widening the
// prefix until enough surface), then ranked by exact similarity on the
// original vectors.
//
//	store, err := vecfs.New("/var/lib/myapp/vectors")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	name := vecfs.ResolveCollectionName(provider.ModelName())
//	if err := store.CreateCollection(ctx, name, 768); err != nil {
//		log.Fatal(err)
//	}
//
//	point := vecfs.NewPoint("", vector, map[string]any{"path": "main.go"}, provider.ModelName())
//	if _, err := store.UpsertPoints(ctx, name, []vecfs.Point{point}); err != nil {
//		log.Fatal(err)
//	}
//
//	results, err := store.Search(ctx, "parse configuration file", provider, name, 10)
//
// All writes go through a temp-file-then-rename discipline and a
// per-collection advisory lock, so concurrent readers never observe partial
// state and a crash mid-write leaves at most a stray temp file.
package vecfs
