package query

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoField maps a logical field path to its document path.
// The identifier field "id" is stored as "_id" at every level.
func MongoField(path string) string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		if p == "id" {
			parts[i] = "_id"
		}
	}
	return strings.Join(parts, ".")
}

// BSON renders the filter as a MongoDB query document.
func (f Filter) BSON() bson.D {
	doc := bson.D{}
	for _, p := range f {
		switch p.Op {
		case OpUnsetOrGt:
			// Null and missing fields never compare <= a value of another type.
			doc = append(doc, bson.E{Key: MongoField(p.Field), Value: bson.D{
				{Key: "$not", Value: bson.D{{Key: "$lte", Value: p.Value}}},
			}})
		default:
			// Equality on an array field matches when any element is equal,
			// so OpContains needs no operator.
			doc = append(doc, bson.E{Key: MongoField(p.Field), Value: p.Value})
		}
	}
	return doc
}

// BSON renders the update as a MongoDB update document.
func (u Update) BSON() bson.D {
	var set, addToSet, pull bson.D
	for _, m := range u {
		e := bson.E{Key: MongoField(m.Field), Value: m.Value}
		switch m.Op {
		case OpSet:
			set = append(set, e)
		case OpAddToSet:
			addToSet = append(addToSet, e)
		case OpPull:
			pull = append(pull, e)
		}
	}

	doc := bson.D{}
	if len(set) > 0 {
		doc = append(doc, bson.E{Key: "$set", Value: set})
	}
	if len(addToSet) > 0 {
		doc = append(doc, bson.E{Key: "$addToSet", Value: addToSet})
	}
	if len(pull) > 0 {
		doc = append(doc, bson.E{Key: "$pull", Value: pull})
	}
	return doc
}

// BSON renders the pipeline as a MongoDB aggregation pipeline.
func (p *Pipeline) BSON() (mongo.Pipeline, error) {
	return stagesBSON(p.Stages)
}

func stagesBSON(stages []Stage) (mongo.Pipeline, error) {
	out := mongo.Pipeline{}
	for _, s := range stages {
		d, err := stageBSON(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func stageBSON(s Stage) (bson.D, error) {
	switch st := s.(type) {
	case Match:
		return bson.D{{Key: "$match", Value: st.Filter.BSON()}}, nil
	case Sort:
		keys := bson.D{}
		for _, k := range st.Keys {
			dir := 1
			if k.Desc {
				dir = -1
			}
			keys = append(keys, bson.E{Key: MongoField(k.Field), Value: dir})
		}
		return bson.D{{Key: "$sort", Value: keys}}, nil
	case Skip:
		return bson.D{{Key: "$skip", Value: st.N}}, nil
	case Limit:
		return bson.D{{Key: "$limit", Value: st.N}}, nil
	case Lookup:
		return lookupBSON(st)
	case Unwind:
		return bson.D{{Key: "$unwind", Value: bson.D{
			{Key: "path", Value: "$" + MongoField(st.Path)},
			{Key: "preserveNullAndEmptyArrays", Value: st.PreserveEmpty},
		}}}, nil
	case Project:
		fields := bson.D{}
		for _, f := range st.Fields {
			fields = append(fields, bson.E{Key: MongoField(f), Value: 1})
		}
		return bson.D{{Key: "$project", Value: fields}}, nil
	default:
		return nil, unsupported("stage %T", s)
	}
}

func lookupBSON(l Lookup) (bson.D, error) {
	if len(l.On) == 0 && len(l.Pipeline) == 0 {
		return bson.D{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: l.From},
			{Key: "localField", Value: MongoField(l.LocalField)},
			{Key: "foreignField", Value: MongoField(l.ForeignField)},
			{Key: "as", Value: MongoField(l.As)},
		}}}, nil
	}

	let := bson.D{}
	conds := bson.A{}
	if l.LocalField != "" {
		let = append(let, bson.E{Key: "local", Value: "$" + MongoField(l.LocalField)})
		conds = append(conds, bson.D{{Key: "$eq", Value: bson.A{"$" + MongoField(l.ForeignField), "$$local"}}})
	}
	for i, c := range l.On {
		name := fmt.Sprintf("c%d", i)
		if c.Ref.IsField() {
			let = append(let, bson.E{Key: name, Value: "$" + MongoField(c.Ref.Field())})
		} else {
			let = append(let, bson.E{Key: name, Value: bson.D{{Key: "$literal", Value: c.Ref.Value()}}})
		}
		conds = append(conds, bson.D{{Key: "$eq", Value: bson.A{"$" + MongoField(c.Field), "$$" + name}}})
	}

	inner := mongo.Pipeline{}
	if len(conds) > 0 {
		inner = append(inner, bson.D{{Key: "$match", Value: bson.D{
			{Key: "$expr", Value: bson.D{{Key: "$and", Value: conds}}},
		}}})
	}
	nested, err := stagesBSON(l.Pipeline)
	if err != nil {
		return nil, err
	}
	inner = append(inner, nested...)

	return bson.D{{Key: "$lookup", Value: bson.D{
		{Key: "from", Value: l.From},
		{Key: "let", Value: let},
		{Key: "pipeline", Value: inner},
		{Key: "as", Value: MongoField(l.As)},
	}}}, nil
}
