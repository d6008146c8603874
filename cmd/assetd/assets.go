package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cbrewster/assetstore/internal/client"
	"github.com/cbrewster/assetstore/internal/metastore"
)

func newUploadCmd(a *app) *cobra.Command {
	var opts client.UploadOptions

	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a file as a new asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if opts.FileName == "" {
				opts.FileName = filepath.Base(args[0])
			}
			if opts.ContentType == "" {
				opts.ContentType = mime.TypeByExtension(filepath.Ext(args[0]))
			}
			if opts.ContentType == "" {
				opts.ContentType = "application/octet-stream"
			}

			up, err := a.client().Upload(cmd.Context(), f, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d chunks\t%d bytes\n", up.ID, up.URL, up.Chunks, up.Size)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.ChunkSize, "chunk-size", client.DefaultChunkSize, "bytes per chunk")
	flags.StringVar(&opts.ContentType, "content-type", "", "content type (guessed from the extension by default)")
	flags.StringVar(&opts.FileName, "name", "", "file name served in Content-Disposition")
	flags.BoolVar(&opts.Compress, "gzip", false, "gzip the content before upload")
	return cmd
}

func newFetchCmd(a *app) *cobra.Command {
	var (
		output  string
		offline bool
		opts    client.DownloadOptions
	)

	cmd := &cobra.Command{
		Use:   "fetch LOCATOR",
		Short: "Download an asset by URL or id",
		Long: `Downloads an asset by following its continuation tokens. With
--offline the asset is read from the bolt database in data_dir instead,
which requires the server to be stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			if offline {
				return fetchOffline(cmd.Context(), a.cfg, args[0], w, opts.Decode)
			}
			_, err := a.client().Download(cmd.Context(), args[0], w, opts)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	flags.BoolVar(&opts.Decode, "decode", false, "gunzip gzip-encoded assets")
	flags.BoolVar(&offline, "offline", false, "read the local database instead of the server")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			assets, err := a.client().Assets(cmd.Context())
			if err != nil {
				return err
			}

			ids := make([]metastore.ID, 0, len(assets))
			for key := range assets {
				id, err := metastore.ParseID(key)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool {
				return ids[i].Cmp(ids[j]) < 0
			})

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOWNER\tNAME\tTYPE\tENCODING\tCHUNKS\tSIZE")
			for _, id := range ids {
				s := assets[id.String()]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
					s.ID, s.Owner, s.FileName, s.ContentType, s.ContentEncoding, s.ChunkCount, s.Size)
			}
			return tw.Flush()
		},
	}
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID...",
		Short: "Delete assets you own",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := a.client().Delete(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}

func newInfoCmd(a *app) *cobra.Command {
	var chunk bool

	cmd := &cobra.Command{
		Use:   "info ID",
		Short: "Show asset metadata, or chunk metadata with --chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDArgs(args)
			if err != nil {
				return err
			}

			var v any
			if chunk {
				v, err = a.client().Chunk(cmd.Context(), ids[0])
			} else {
				v, err = a.client().Asset(cmd.Context(), ids[0])
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
	cmd.Flags().BoolVar(&chunk, "chunk", false, "treat ID as a pending chunk id")
	return cmd
}

func parseIDArgs(args []string) ([]metastore.ID, error) {
	ids := make([]metastore.ID, len(args))
	for i, arg := range args {
		id, err := metastore.ParseID(arg)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}
