package main

import (
	"github.com/spf13/cobra"

	"matomo-requests-tool/internal/upload"
)

func newUploadCmd(a *app) *cobra.Command {
	var (
		input  string
		target upload.Target
	)
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload an output file or a directory of them to an Azure Blob Storage container.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			target.AccessKey = firstNonEmpty(target.AccessKey, envOr(a, "AZURE_STORAGE_KEY"))
			up, err := a.newUploader(target, a.logger)
			if err != nil {
				return err
			}
			a.logger.Info("Starting Azure Blob Storage upload", "input", input, "storage_account", target.Account, "container", target.Container)
			n, err := up.UploadPath(cmd.Context(), input)
			if err != nil {
				return err
			}
			a.logger.Info("Azure Blob Storage upload finished", "files", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "File or directory to upload (required)")
	cmd.MarkFlagRequired("input")
	cmd.Flags().StringVar(&target.Account, "storage-account-name", "", "Azure Storage account name (required)")
	cmd.MarkFlagRequired("storage-account-name")
	cmd.Flags().StringVar(&target.Container, "blob-container-name", "", "Azure Blob Storage container name (required)")
	cmd.MarkFlagRequired("blob-container-name")
	cmd.Flags().StringVar(&target.AccessKey, "access-key", "", "Azure Storage account access key (defaults to AZURE_STORAGE_KEY)")
	cmd.Flags().StringVar(&target.Prefix, "prefix", "", "Prefix for blob names")
	return cmd
}

func envOr(a *app, name string) string {
	v, _ := a.lookup(name)
	return v
}
