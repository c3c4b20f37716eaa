package baidu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"clouddav/internal/digest"
	"clouddav/internal/pathutil"
	"clouddav/internal/remote/rest"
	"clouddav/internal/storage"
)

const (
	mib = 1024 * 1024

	maxSliceSize = 32 * mib

	// precreate reports return_type 2 when the content is already known
	// to Baidu and the file has been created without a transfer.
	returnTypeRapid = 2
)

// sliceSizes by vip_type: 0 regular, 1 member, 2 super member.
var sliceSizes = map[int64]int{0: 4 * mib, 1: 16 * mib, 2: 32 * mib}

func isExists(err error) bool {
	return errors.Is(err, storage.ErrConflict)
}

// vipTiers maps tier names accepted in vip_type to their numeric value.
var vipTiers = map[string]int64{"": 0, "vip": 1, "svip": 2}

// parseVIPType accepts 0/1/2 as numbers or strings, or the tier names.
func parseVIPType(s storage.Settings) (int64, bool) {
	if _, ok := s[keyVIPType]; !ok || s[keyVIPType] == nil {
		return 0, false
	}
	if v := s.Int64(keyVIPType, -1); v >= 0 {
		return v, true
	}
	v, ok := vipTiers[strings.ToLower(s.String(keyVIPType))]
	return v, ok
}

// vipType reads vip_type from config, then the saving cache, then uinfo.
func (c *Client) vipType(ctx context.Context) (int64, error) {
	if v, ok := parseVIPType(c.mgr.Config()); ok {
		return v, nil
	}
	if s := c.mgr.SavingString(keyVIPType); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v, nil
		}
	}
	var info struct {
		VIPType int64 `json:"vip_type"`
	}
	err := c.call(ctx, c.api, rest.Request{
		Op:    "uinfo",
		URL:   "/rest/2.0/xpan/nas",
		Query: url.Values{"method": {"uinfo"}},
	}, &info)
	if err != nil {
		return 0, err
	}
	c.mgr.SetSaving(keyVIPType, strconv.FormatInt(info.VIPType, 10))
	return info.VIPType, nil
}

// sliceSize picks the upload slice for the account tier. chunk_size (MiB)
// overrides it, capped at 32 MiB.
func (c *Client) sliceSize(ctx context.Context) (int, error) {
	if n := c.mgr.Config().Int64("chunk_size", 0); n > 0 {
		return int(min(n*mib, maxSliceSize)), nil
	}
	vip, err := c.vipType(ctx)
	if err != nil {
		return 0, err
	}
	size, ok := sliceSizes[vip]
	if !ok {
		size = sliceSizes[0]
	}
	return size, nil
}

type precreateResult struct {
	ReturnType int    `json:"return_type"`
	UploadID   string `json:"uploadid"`
	BlockList  []int  `json:"block_list"`
}

// PutObject uploads data with Baidu's three step protocol: precreate
// declares the slice digests, each slice goes to superfile2 in order, and
// create commits the file. The parent folder must already exist.
func (c *Client) PutObject(ctx context.Context, key string, data []byte, _ string) error {
	parent, _ := pathutil.Split(key)
	if parent != "" {
		e, err := c.find(ctx, parent)
		if err != nil {
			return err
		}
		if e.IsDir != 1 {
			return fmt.Errorf("baidu: %q is not a directory: %w", parent, storage.ErrConflict)
		}
	}

	slice, err := c.sliceSize(ctx)
	if err != nil {
		return err
	}
	sums := digest.Baidu(data, slice)
	blocks, err := json.Marshal(sums.Blocks)
	if err != nil {
		return fmt.Errorf("baidu: encoding block list: %w", err)
	}
	path := c.remotePath(key)
	size := strconv.Itoa(len(data))

	var pre precreateResult
	err = c.call(ctx, c.api, rest.Request{
		Op:     "precreate",
		Method: http.MethodPost,
		URL:    "/rest/2.0/xpan/file",
		Query:  url.Values{"method": {"precreate"}},
		Form: url.Values{
			"path":        {path},
			"size":        {size},
			"isdir":       {"0"},
			"autoinit":    {"1"},
			"rtype":       {"3"},
			"block_list":  {string(blocks)},
			"content-md5": {sums.Content},
			"slice-md5":   {sums.Head},
		},
	}, &pre)
	if err != nil {
		return err
	}
	if pre.ReturnType == returnTypeRapid {
		c.logger.Debug("rapid upload", slog.String("path", path))
		return nil
	}

	seqs := pre.BlockList
	if len(seqs) == 0 {
		seqs = make([]int, len(sums.Blocks))
		for i := range seqs {
			seqs[i] = i
		}
	}
	for _, seq := range seqs {
		start := seq * slice
		if seq < 0 || start > len(data) {
			return storage.NewProviderError(provider, "precreate", http.StatusOK,
				[]byte(fmt.Sprintf("block %d out of range", seq)), storage.ErrProtocol)
		}
		end := min(start+slice, len(data))
		if err := c.uploadSlice(ctx, path, pre.UploadID, seq, data[start:end]); err != nil {
			return err
		}
	}

	return c.call(ctx, c.api, rest.Request{
		Op:     "create",
		Method: http.MethodPost,
		URL:    "/rest/2.0/xpan/file",
		Query:  url.Values{"method": {"create"}},
		Form: url.Values{
			"path":       {path},
			"size":       {size},
			"isdir":      {"0"},
			"rtype":      {"3"},
			"uploadid":   {pre.UploadID},
			"block_list": {string(blocks)},
		},
	}, nil)
}

func (c *Client) uploadSlice(ctx context.Context, path, uploadID string, seq int, data []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "blob")
	if err != nil {
		return fmt.Errorf("baidu: slice %d: %w", seq, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("baidu: slice %d: %w", seq, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("baidu: slice %d: %w", seq, err)
	}
	payload := body.Bytes()

	c.logger.Debug("uploading slice", slog.String("path", path), slog.Int("partseq", seq), slog.Int("size", len(data)))
	return c.call(ctx, c.upload, rest.Request{
		Op:     "superfile2",
		Method: http.MethodPost,
		URL:    "/rest/2.0/pcs/superfile2",
		Query: url.Values{
			"method":   {"upload"},
			"type":     {"tmpfile"},
			"path":     {path},
			"uploadid": {uploadID},
			"partseq":  {strconv.Itoa(seq)},
		},
		Header: http.Header{"Content-Type": {w.FormDataContentType()}},
		Bytes:  payload,
	}, nil)
}
