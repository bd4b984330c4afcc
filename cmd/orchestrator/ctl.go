package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	apiclient "github.com/habitio/habit-cortex-orchestrator/pkg/api/client"
)

func apiFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "api",
			Value:   "http://localhost:8004",
			Usage:   "orchestrator API base URL",
			Sources: cli.EnvVars("CORTEX_API_URL"),
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "operator bearer token (see the token command)",
			Sources: cli.EnvVars("CORTEX_TOKEN"),
		},
	}
}

func productsCommand() *cli.Command {
	return &cli.Command{
		Name:  "products",
		Usage: "Inspect and operate products through the API",
		Flags: apiFlags(),
		Commands: []*cli.Command{
			{Name: "list", Usage: "List products", Action: productsList},
			{Name: "get", Usage: "Show one product", ArgsUsage: "<id>", Action: productAction(productGet)},
			{Name: "start", Usage: "Deploy a product", ArgsUsage: "<id>", Action: productAction(productStart)},
			{Name: "stop", Usage: "Stop a product", ArgsUsage: "<id>", Action: productAction(productStop)},
			{Name: "status", Usage: "Show live cluster status", ArgsUsage: "<id>", Action: productAction(productStatus)},
			{
				Name:      "scale",
				Usage:     "Change the replica count",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "replicas", Required: true, Usage: "desired replicas (1-10)"},
				},
				Action: productAction(productScale),
			},
			{Name: "generate-key", Usage: "Rotate the instance shared key", ArgsUsage: "<id>", Action: productAction(productGenerateKey)},
		},
	}
}

func imagesCommand() *cli.Command {
	return &cli.Command{
		Name:  "images",
		Usage: "List and build product images",
		Flags: apiFlags(),
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List images",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "filter by build status"},
				},
				Action: imagesList,
			},
			{
				Name:  "build",
				Usage: "Queue an image build from a GitHub release tag",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "repo", Required: true, Usage: "owner/name"},
					&cli.StringFlag{Name: "tag", Required: true, Usage: "release tag"},
					&cli.StringFlag{Name: "commit", Required: true, Usage: "commit sha the tag points at"},
					&cli.StringFlag{Name: "image-name", Usage: "image repository name"},
					&cli.StringFlag{Name: "dockerfile", Usage: "Dockerfile path inside the repository"},
				},
				Action: imagesBuild,
			},
		},
	}
}

func apiClient(cmd *cli.Command) (*apiclient.Client, error) {
	return apiclient.New(cmd.String("api"), apiclient.WithToken(cmd.String("token")))
}

func productAction(fn func(context.Context, *cli.Command, *apiclient.Client, int64) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		raw := strings.TrimSpace(cmd.Args().First())
		if raw == "" {
			return errors.New("product id is required")
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid product id %q", raw)
		}
		client, err := apiClient(cmd)
		if err != nil {
			return err
		}
		return fn(ctx, cmd, client, id)
	}
}

func productsList(ctx context.Context, cmd *cli.Command) error {
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	products, err := client.ListProducts(ctx)
	if err != nil {
		return err
	}
	out := cmd.Root().Writer
	if len(products) == 0 {
		fmt.Fprintln(out, "no products found")
		return nil
	}
	for _, p := range products {
		fmt.Fprintf(out, "%d\t%s\t%s\t%d\t%s\n", p.ID, p.Slug, p.Status, p.Replicas, p.ImageName)
	}
	return nil
}

func printProduct(cmd *cli.Command, p apiclient.Product) {
	out := cmd.Root().Writer
	fmt.Fprintf(out, "id:        %d\n", p.ID)
	fmt.Fprintf(out, "name:      %s\n", p.Name)
	fmt.Fprintf(out, "slug:      %s\n", p.Slug)
	fmt.Fprintf(out, "status:    %s\n", p.Status)
	fmt.Fprintf(out, "port:      %d\n", p.Port)
	fmt.Fprintf(out, "replicas:  %d\n", p.Replicas)
	fmt.Fprintf(out, "image:     %s\n", p.ImageName)
	if p.ServiceID != nil {
		fmt.Fprintf(out, "service:   %s\n", *p.ServiceID)
	}
	if p.DeployedAt != nil {
		fmt.Fprintf(out, "deployed:  %s\n", p.DeployedAt.Format(time.RFC3339))
	}
}

func productGet(ctx context.Context, cmd *cli.Command, client *apiclient.Client, id int64) error {
	p, err := client.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	printProduct(cmd, p)
	return nil
}

func productStart(ctx context.Context, cmd *cli.Command, client *apiclient.Client, id int64) error {
	p, err := client.StartProduct(ctx, id)
	if err != nil {
		return err
	}
	printProduct(cmd, p)
	return nil
}

func productStop(ctx context.Context, cmd *cli.Command, client *apiclient.Client, id int64) error {
	p, err := client.StopProduct(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "product %s stopped\n", p.Slug)
	return nil
}

func productStatus(ctx context.Context, cmd *cli.Command, client *apiclient.Client, id int64) error {
	st, err := client.ProductStatus(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.Root().Writer
	fmt.Fprintf(out, "%s\t%s\treplicas=%d\n", st.ProductName, st.Status, st.Replicas)
	if st.Cluster == nil {
		return nil
	}
	fmt.Fprintf(out, "service %s running %d/%d\n", st.Cluster.ServiceID, st.Cluster.Running, st.Cluster.Desired)
	for _, task := range st.Cluster.Tasks {
		fmt.Fprintf(out, "  %s\t%s\t%s\t%s\n", task.ID, task.State, task.NodeID, task.Message)
	}
	return nil
}

func productScale(ctx context.Context, cmd *cli.Command, client *apiclient.Client, id int64) error {
	res, err := client.ScaleProduct(ctx, id, int(cmd.Int("replicas")))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "product %s scaling to %d replicas\n", res.ProductName, res.Replicas)
	return nil
}

func productGenerateKey(ctx context.Context, cmd *cli.Command, client *apiclient.Client, id int64) error {
	key, err := client.GenerateSharedKey(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.Root().Writer
	fmt.Fprintln(out, key.SharedKey)
	if key.PreviousKeyMasked != nil {
		fmt.Fprintf(out, "replaced %s; restart the product to apply\n", *key.PreviousKeyMasked)
	}
	return nil
}

func imagesList(ctx context.Context, cmd *cli.Command) error {
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	images, err := client.ListImages(ctx, cmd.String("status"))
	if err != nil {
		return err
	}
	out := cmd.Root().Writer
	if len(images) == 0 {
		fmt.Fprintln(out, "no images found")
		return nil
	}
	for _, img := range images {
		fmt.Fprintf(out, "%d\t%s:%s\t%s\t%s\n", img.ID, img.Name, img.Tag, img.BuildStatus, img.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func imagesBuild(ctx context.Context, cmd *cli.Command) error {
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	img, err := client.BuildImage(ctx, apiclient.BuildInput{
		Repo:           cmd.String("repo"),
		Tag:            cmd.String("tag"),
		CommitSHA:      cmd.String("commit"),
		ImageName:      cmd.String("image-name"),
		DockerfilePath: cmd.String("dockerfile"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "build queued: %d %s:%s status=%s\n", img.ID, img.Name, img.Tag, img.BuildStatus)
	return nil
}
