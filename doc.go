// Package zimd serves the contents of one read-only ZIM archive over HTTP.
//
// A request path such as /A/Main_Page names an archive entry by namespace
// and URL. zimd looks the entry up, follows redirect entries to the content
// they point at, decompresses the cluster holding the blob and returns the
// bytes as the response body. Nothing is cached and nothing is written.
//
// # Running a server
//
//	cfg := zimd.Config{
//	    Archive: "/srv/wikipedia_en_all.zim",
//	    Bind:    "127.0.0.1",
//	    Port:    8000,
//	    Workers: 8,
//	}
//	srv, err := zimd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("zimd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer wraps the same sequence and returns once the listener is bound.
//
// # Archive locations
//
// Config.Archive accepts a local path or file:///path (append ?mmap=1 to map
// the file), s3://host[:port]/bucket/key for S3-compatible stores,
// aws://bucket/key for AWS S3 and azure://account/container/blob for Azure
// Blob Storage. Object store archives are read with one ranged GET per read.
//
// # Method policy
//
// GET returns 200 and the raw bytes, 404 when the path names nothing
// servable, and 500 when the content could not be retrieved. HEAD answers
// like GET without a body. OPTIONS (including OPTIONS *) answers 200 with
// Allow: GET, HEAD, OPTIONS. Every other method gets 405. Error responses
// carry no body, and no Content-Type is sent unless Config.ServeMIMETypes
// is set.
package zimd
