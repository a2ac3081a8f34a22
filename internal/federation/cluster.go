package federation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/fedgroup/internal/clustering"
	"github.com/inferloop/fedgroup/pkg/constants"
	"github.com/inferloop/fedgroup/pkg/errors"
	"github.com/inferloop/fedgroup/pkg/interfaces"
	"github.com/inferloop/fedgroup/pkg/models"
)

// Cluster is one partition produced by the cluster assigner.
type Cluster struct {
	ID      int
	Model   models.Params
	Update  models.Params
	Clients []*Client
}

// ClusterConfig configures the cluster assigner.
type ClusterConfig struct {
	NumClusters   int
	MADC          bool
	PretrainIters int
	BatchSize     int
	Seed          int64
	Workers       int
}

// ClusterAssigner partitions clients by the direction of their pre-trained updates.
type ClusterAssigner struct {
	config ClusterConfig
	handle interfaces.Model
	global func() models.Params
	logger *logrus.Logger
}

// NewClusterAssigner creates a cluster assigner. global returns the model every
// candidate is pre-trained from.
func NewClusterAssigner(config ClusterConfig, handle interfaces.Model, global func() models.Params, logger *logrus.Logger) *ClusterAssigner {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &ClusterAssigner{config: config, handle: handle, global: global, logger: logger}
}

// Assign pre-trains every client from the global model and clusters the updates.
// Without MADC the updates are projected onto their top singular directions and
// clustered with k-means; with MADC the data-driven measure of pairwise cosine
// similarity is clustered by complete linkage. Each cluster's model and update are
// the unweighted means of its members' solutions and updates.
func (a *ClusterAssigner) Assign(ctx context.Context, clients []*Client) ([]*Cluster, error) {
	k := a.config.NumClusters
	if len(clients) < k {
		return nil, errors.WrapError(errors.ErrInsufficientClients, errors.ErrorTypeClustering,
			errors.CodeClusteringFailed, "not enough clients to form every cluster").
			WithContext("clients", len(clients)).WithContext("clusters", k)
	}

	start := time.Now()
	solns, updates, err := a.preTrainAll(ctx, clients)
	if err != nil {
		return nil, err
	}
	a.logger.WithFields(logrus.Fields{
		"clients":  len(clients),
		"workers":  a.config.Workers,
		"duration": time.Since(start),
	}).Debug("Pre-trained clustering candidates")

	p := updates[0].Len()
	deltaW := mat.NewDense(len(clients), p, nil)
	for i, u := range updates {
		if u.Len() != p {
			return nil, errors.WrapError(errors.ErrShapeMismatch, errors.ErrorTypeAggregation,
				errors.CodeShapeMismatch, "client updates differ in length")
		}
		deltaW.SetRow(i, u)
	}

	labels, err := a.label(deltaW)
	if err != nil {
		return nil, err
	}

	clusters := make([]*Cluster, k)
	for id := range clusters {
		clusters[id] = &Cluster{ID: id}
	}
	solnSets := make([][]WeightedParams, k)
	updateSets := make([][]WeightedParams, k)
	for i, l := range labels {
		clusters[l].Clients = append(clusters[l].Clients, clients[i])
		solnSets[l] = append(solnSets[l], WeightedParams{Weight: 1, Params: solns[i]})
		updateSets[l] = append(updateSets[l], WeightedParams{Weight: 1, Params: updates[i]})
	}

	for id, cl := range clusters {
		if len(cl.Clients) == 0 {
			return nil, errors.WrapError(errors.ErrEmptyCluster, errors.ErrorTypeClustering,
				errors.CodeEmptyCluster, "clustering produced an empty cluster").WithContext("cluster", id)
		}
		if cl.Model, err = Aggregate(solnSets[id]); err != nil {
			return nil, err
		}
		if cl.Update, err = Aggregate(updateSets[id]); err != nil {
			return nil, err
		}
	}

	a.logger.WithFields(logrus.Fields{
		"clients":  len(clients),
		"clusters": k,
		"madc":     a.config.MADC,
		"duration": time.Since(start),
	}).Info("Clustered clients")

	return clusters, nil
}

func (a *ClusterAssigner) label(deltaW *mat.Dense) ([]int, error) {
	k := a.config.NumClusters
	if a.config.MADC {
		madc := clustering.DataDrivenMeasure(clustering.PairwiseCosine(deltaW), true)
		return clustering.Agglomerative(madc, k)
	}

	directions, err := clustering.TruncatedSVD(deltaW.T(), k)
	if err != nil {
		return nil, err
	}
	edc := clustering.CosineSimilarity(deltaW, directions.T())
	res, err := clustering.KMeans(edc, clustering.KMeansConfig{
		K:       k,
		MaxIter: constants.KMeansMaxIter,
		Seed:    a.config.Seed,
	})
	if err != nil {
		return nil, err
	}
	return res.Labels, nil
}

// preTrainAll pre-trains every client from the global model. With more than one
// worker each worker trains on its own clone of the handle; results do not depend
// on the worker count.
func (a *ClusterAssigner) preTrainAll(ctx context.Context, clients []*Client) ([]models.Params, []models.Params, error) {
	start := a.global()
	solns := make([]models.Params, len(clients))
	updates := make([]models.Params, len(clients))

	if a.config.Workers == 1 {
		for i, c := range clients {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			solns[i], updates[i] = preTrain(a.handle, c, start, a.config.PretrainIters, a.config.BatchSize)
		}
		return solns, updates, nil
	}

	jobs := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < a.config.Workers; w++ {
		handle := a.handle.Clone()
		g.Go(func() error {
			for i := range jobs {
				solns[i], updates[i] = preTrain(handle, clients[i], start, a.config.PretrainIters, a.config.BatchSize)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		for i := range clients {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return solns, updates, nil
}
