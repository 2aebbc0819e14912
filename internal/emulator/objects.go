package emulator

import (
	"bytes"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
)

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, name := r.PathValue("bucket"), r.PathValue("object")

	generation, err := queryInt64(r, "generation")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ifGen, err := queryInt64(r, "ifGenerationMatch")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ifNotGen, err := queryInt64(r, "ifGenerationNotMatch")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var o *object

	err = s.store.do(ctx, func(t *txn) error {
		var err error

		var gen int64
		if generation != nil {
			gen = *generation
		}

		if o, err = t.objectAt(ctx, bucket, name, gen); err != nil {
			return err
		}

		if ifNotGen != nil && o.Generation == *ifNotGen {
			return &statusError{code: http.StatusNotModified, msg: "generation matches"}
		}

		return checkGeneration(o, ifGen)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("alt") != "media" {
		writeJSON(w, http.StatusOK, resourceOf(o))
		return
	}

	contentType := o.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("X-Goog-Generation", strconv.FormatInt(o.Generation, 10))
	h.Set("X-Goog-Metageneration", strconv.FormatInt(o.Metageneration, 10))
	h.Set("X-Goog-Stored-Content-Length", strconv.Itoa(len(o.Data)))
	h.Add("X-Goog-Hash", "crc32c="+encodeCRC32C(o.CRC32C))
	h.Add("X-Goog-Hash", "md5="+base64.StdEncoding.EncodeToString(o.MD5))

	http.ServeContent(w, r, "", o.Created, bytes.NewReader(o.Data))
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket, name := r.PathValue("bucket"), r.PathValue("object")

	generation, err := queryInt64(r, "generation")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ifGen, err := queryInt64(r, "ifGenerationMatch")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var gen int64
	if generation != nil {
		gen = *generation
	}

	err = s.store.do(ctx, func(t *txn) error {
		return t.deleteObject(ctx, bucket, name, gen, ifGen)
	})

	switch {
	case errors.Is(err, errNotFound):
		writeStatus(w, http.StatusNotFound, "No such object: "+bucket+"/"+name)
	case err != nil:
		s.writeError(w, r, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
